package fetcher

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

// fakeChain is an in-memory ChainReader.
type fakeChain struct {
	gasPrice   *big.Int
	gasErr     error
	block      uint64
	header     *types.Header
	headerErr  error
	history    *ethereum.FeeHistory
	callResult []byte
	callErr    error
	lastCall   ethereum.CallMsg
}

func (f *fakeChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	return f.gasPrice, f.gasErr
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) {
	return f.block, nil
}

func (f *fakeChain) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	if f.headerErr != nil {
		return nil, f.headerErr
	}
	return f.header, nil
}

func (f *fakeChain) FeeHistory(context.Context, uint64, *big.Int, []float64) (*ethereum.FeeHistory, error) {
	if f.history == nil {
		return nil, errors.New("no history")
	}
	return f.history, nil
}

func (f *fakeChain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.lastCall = msg
	return f.callResult, f.callErr
}

func dialer(c ChainReader) DialFunc {
	return func(context.Context) (ChainReader, error) { return c, nil }
}

func failingDialer(err error) DialFunc {
	return func(context.Context) (ChainReader, error) { return nil, err }
}
