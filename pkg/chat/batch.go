package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Batch completes several independent conversations concurrently against
// the same client and returns the replies aligned by index. Failed entries
// leave a nil message at their index; the returned error joins every
// per-conversation failure, tagged with its index. Partial results are
// still returned alongside a non-nil error.
func Batch(ctx context.Context, c Client, convs []*Conversation, tools []*ToolDef) ([]*Message, error) {
	msgs := make([]*Message, len(convs))
	errs := make([]error, len(convs))

	var wg sync.WaitGroup
	for i, conv := range convs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg, err := c.Complete(ctx, conv, tools)
			if err != nil {
				errs[i] = fmt.Errorf("chat: batch conversation %d: %w", i, err)
				return
			}
			msgs[i] = msg
		}()
	}
	wg.Wait()

	return msgs, errors.Join(errs...)
}
