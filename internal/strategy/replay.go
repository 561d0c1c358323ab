package strategy

import (
	"context"
	"fmt"
	"io"
	"time"

	"brokerstore/internal/domain"
)

// BarReader reads archived bars. archive.ParquetArchive satisfies it.
type BarReader interface {
	ReadBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error)
}

// SliceSource serves a fixed slice of bars.
type SliceSource struct {
	bars []domain.Bar
	pos  int
}

// NewSliceSource returns a source over bars.
func NewSliceSource(bars []domain.Bar) *SliceSource {
	return &SliceSource{bars: bars}
}

// Next returns the next bar or io.EOF.
func (s *SliceSource) Next(ctx context.Context) (domain.Bar, error) {
	if err := ctx.Err(); err != nil {
		return domain.Bar{}, err
	}
	if s.pos >= len(s.bars) {
		return domain.Bar{}, io.EOF
	}
	b := s.bars[s.pos]
	s.pos++
	return b, nil
}

// Recorder is a Sink that keeps every signal it receives.
type Recorder struct {
	Signals []domain.Signal
}

// Signal records sig.
func (r *Recorder) Signal(_ context.Context, _ domain.Contract, sig domain.Signal, _ float64) error {
	r.Signals = append(r.Signals, sig)
	return nil
}

// Replay runs s over the archived bars of symbol between start and end and
// returns the run summary together with the emitted signals.
func Replay(ctx context.Context, reader BarReader, s Strategy, symbol string, start, end time.Time) (Result, []domain.Signal, error) {
	bars, err := reader.ReadBars(ctx, symbol, start, end)
	if err != nil {
		return Result{}, nil, fmt.Errorf("reading bars for %s: %w", symbol, err)
	}
	rec := &Recorder{}
	r := &Runner{
		Strategy: s,
		Source:   NewSliceSource(bars),
		Sink:     rec,
		Contract: domain.Contract{Symbol: symbol},
	}
	res, err := r.Run(ctx)
	return res, rec.Signals, err
}
