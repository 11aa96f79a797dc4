package model

import "context"

// PacketSource produces packet records until ctx is cancelled or the source
// is exhausted. emit is called from the source's goroutine.
type PacketSource interface {
	Run(ctx context.Context, emit func(PacketRecord)) error
}
