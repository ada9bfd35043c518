package queue

import "context"

// Func is one unit of queued work. It receives the context the job was added with.
type Func[T any] func(ctx context.Context) (T, error)

type Queue[T any] interface {
	Start()
	Stop()
	Add(ctx context.Context, name string, fn Func[T]) (chan T, chan error, error)
}
