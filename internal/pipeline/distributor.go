package pipeline

import (
	"fmt"
	"sync"
)

// FrameDistributor fans frames from one FrameProvider out to several
// consumers, each on its own subscription
type FrameDistributor struct {
	frameProvider FrameProvider
	subscriptions []*distributorSubscription
	mu            sync.Mutex
	wg            sync.WaitGroup
}

type distributorSubscription struct {
	consumer FrameConsumer
	sub      *FrameSubscription
}

// NewFrameDistributor creates a new frame distributor
func NewFrameDistributor(frameProvider FrameProvider) *FrameDistributor {
	return &FrameDistributor{
		frameProvider: frameProvider,
	}
}

// Subscribe registers a consumer and starts forwarding frames to it
func (d *FrameDistributor) Subscribe(consumer FrameConsumer, bufferSize int) error {
	if consumer == nil {
		return fmt.Errorf("consumer cannot be nil")
	}

	sub, err := d.frameProvider.Subscribe(bufferSize)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.subscriptions = append(d.subscriptions, &distributorSubscription{
		consumer: consumer,
		sub:      sub,
	})
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-sub.Done:
				// Frames buffered before the subscription ended are still delivered
				for {
					select {
					case frame := <-sub.Channel:
						if frame != nil {
							consumer.OnFrame(frame)
						}
					default:
						return
					}
				}
			case frame := <-sub.Channel:
				if frame != nil {
					consumer.OnFrame(frame)
				}
			}
		}
	}()

	return nil
}

// Unsubscribe stops forwarding frames to consumer
func (d *FrameDistributor) Unsubscribe(consumer FrameConsumer) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, ds := range d.subscriptions {
		if ds.consumer == consumer {
			d.frameProvider.Unsubscribe(ds.sub)
			d.subscriptions = append(d.subscriptions[:i], d.subscriptions[i+1:]...)
			return
		}
	}
}

// Close removes all consumers and waits for their forwarding loops to end
func (d *FrameDistributor) Close() {
	d.mu.Lock()
	for _, ds := range d.subscriptions {
		d.frameProvider.Unsubscribe(ds.sub)
	}
	d.subscriptions = nil
	d.mu.Unlock()

	d.wg.Wait()
}

// Wait blocks until every forwarding loop has ended, which happens when the
// provider closes the subscriptions
func (d *FrameDistributor) Wait() {
	d.wg.Wait()
}
