// Package broker implements a minimal generic publish/subscribe fan-out
// used to distribute status updates to a dynamic set of listeners.
package broker

type Broker[T any] struct {
	publishCh     chan T
	subscribeCh   chan chan T
	unsubscribeCh chan chan T
	stopCh        chan struct{}
}

func NewBroker[T any]() *Broker[T] {
	return &Broker[T]{
		publishCh:     make(chan T, 8),
		subscribeCh:   make(chan chan T),
		unsubscribeCh: make(chan chan T),
		stopCh:        make(chan struct{}),
	}
}

// Start runs the broker loop; it returns only once Stop is called.
// Messages published while no subscribers exist are dropped.
func (broker *Broker[T]) Start() {
	subscribers := make(map[chan T]struct{})
	for {
		select {
		case <-broker.stopCh:
			for ch := range subscribers {
				close(ch)
			}
			return
		case ch := <-broker.subscribeCh:
			subscribers[ch] = struct{}{}
		case ch := <-broker.unsubscribeCh:
			if _, ok := subscribers[ch]; ok {
				delete(subscribers, ch)
				close(ch)
			}
		case message := <-broker.publishCh:
			for ch := range subscribers {
				select {
				case ch <- message:
				default:
				}
			}
		}
	}
}

func (broker *Broker[T]) Stop() {
	close(broker.stopCh)
}

func (broker *Broker[T]) Subscribe() chan T {
	ch := make(chan T, 16)
	broker.subscribeCh <- ch
	return ch
}

func (broker *Broker[T]) Unsubscribe(ch chan T) {
	broker.unsubscribeCh <- ch
}

func (broker *Broker[T]) Publish(message T) {
	broker.publishCh <- message
}
