// Package broker mirrors enqueued jobs onto a message broker so external
// consumers can observe the job stream. Persistence in storage stays the
// source of truth; the broker copy is advisory.
package broker

type Publisher interface {
	Publish(queue string, payload []byte) error
	Close() error
}
