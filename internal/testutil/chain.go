package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/dyluth/pixelsett/internal/chain"
)

// ErrChainDown is returned by FakeChain while SetDown(true) is in effect.
var ErrChainDown = errors.New("rpc node unreachable")

type payment struct {
	payer     string
	recipient string
	lamports  uint64
}

// FakeChain is a scriptable chain.Verifier. Transactions verify only if they
// were registered with AddPayment, AddPublish or AddMint.
type FakeChain struct {
	mu        sync.Mutex
	payments  map[string]payment
	publishes map[string]string
	mints     map[string]string
	blockhash string
	down      bool
	calls     int
	onVerify  func()
}

var _ chain.Verifier = (*FakeChain)(nil)

// NewFakeChain creates an empty fake chain.
func NewFakeChain() *FakeChain {
	return &FakeChain{
		payments:  make(map[string]payment),
		publishes: make(map[string]string),
		mints:     make(map[string]string),
		blockhash: NewAddress(),
	}
}

// AddPayment registers a confirmed transfer.
func (f *FakeChain) AddPayment(signature, payer, recipient string, lamports uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payments[signature] = payment{payer: payer, recipient: recipient, lamports: lamports}
}

// AddPublish registers a confirmed canvas publish at canvasAddress.
func (f *FakeChain) AddPublish(signature, canvasAddress string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishes[signature] = canvasAddress
}

// AddMint registers a confirmed mint at mintAddress.
func (f *FakeChain) AddMint(signature, mintAddress string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mints[signature] = mintAddress
}

// SetDown makes every call fail with ErrChainDown.
func (f *FakeChain) SetDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

// Calls returns how many verifier calls were made.
func (f *FakeChain) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Blockhash returns the hash RecentBlockhash serves.
func (f *FakeChain) Blockhash() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blockhash
}

// OnVerify runs fn once, at the start of the next Verify* call and before the
// answer is computed. It stands in for whatever happens while an RPC is in flight.
func (f *FakeChain) OnVerify(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onVerify = fn
}

func (f *FakeChain) runHook() {
	f.mu.Lock()
	fn := f.onVerify
	f.onVerify = nil
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// enter locks f and counts the call. Callers unlock.
func (f *FakeChain) enter() {
	f.mu.Lock()
	f.calls++
}

func (f *FakeChain) VerifyTransaction(ctx context.Context, signature, payer, recipient string, lamports uint64) (bool, error) {
	f.runHook()
	f.enter()
	defer f.mu.Unlock()
	if f.down {
		return false, ErrChainDown
	}
	p, ok := f.payments[signature]
	return ok && p.payer == payer && p.recipient == recipient && p.lamports >= lamports, nil
}

func (f *FakeChain) VerifyPublishTransaction(ctx context.Context, signature, canvasAddress string) (bool, error) {
	f.runHook()
	f.enter()
	defer f.mu.Unlock()
	if f.down {
		return false, ErrChainDown
	}
	addr, ok := f.publishes[signature]
	return ok && addr == canvasAddress, nil
}

func (f *FakeChain) VerifyMintTransaction(ctx context.Context, signature, mintAddress string) (bool, error) {
	f.runHook()
	f.enter()
	defer f.mu.Unlock()
	if f.down {
		return false, ErrChainDown
	}
	addr, ok := f.mints[signature]
	return ok && addr == mintAddress, nil
}

func (f *FakeChain) RecentBlockhash(ctx context.Context) (string, error) {
	f.enter()
	defer f.mu.Unlock()
	if f.down {
		return "", ErrChainDown
	}
	return f.blockhash, nil
}
