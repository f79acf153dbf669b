package main

import (
	"context"

	"github.com/pkg/errors"

	"duplex-rpc/message"
	"duplex-rpc/server"
	"duplex-rpc/stub"
)

// Calculator is the service calc serves.
type Calculator struct{}

// ProgressClient is the callback a client registers as "Progress".
type ProgressClient struct {
	Report func(ctx context.Context, done, total int) error
}

func (Calculator) Add(ctx context.Context, a, b int) (int, error) {
	return a + b, nil
}

// Sum adds nums, reporting each step to the caller when it exposes Progress.
func (Calculator) Sum(ctx context.Context, nums []int) (int, error) {
	var progress *ProgressClient
	if h, ok := server.ClientFromContext(ctx); ok {
		progress, _ = server.CallbackProxy[ProgressClient](h, "Progress")
	}

	total := 0
	for i, n := range nums {
		total += n
		if progress == nil {
			continue
		}
		if err := progress.Report(ctx, i+1, len(nums)); err != nil {
			// Clients without a Progress service still get their sum.
			if code, ok := stub.CodeOf(err); ok && (code == message.CodeNoDispatcher || code == message.CodeNoSuchService) {
				progress = nil
				continue
			}
			return 0, errors.WithMessage(err, "report progress")
		}
	}
	return total, nil
}

func (Calculator) Divide(ctx context.Context, a, b int) (int, error) {
	if b == 0 {
		return 0, errors.New("division by zero")
	}
	return a / b, nil
}

// Progress prints the server's progress reports.
type Progress struct {
	print func(done, total int)
}

func (p Progress) Report(ctx context.Context, done, total int) error {
	p.print(done, total)
	return nil
}
