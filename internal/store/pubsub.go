package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const listenerBuffer = 64

// Message 频道消息
type Message struct {
	Channel string
	Payload []byte
}

type channelSub struct {
	ps        *redis.PubSub
	mu        sync.Mutex
	listeners map[int]chan Message
	nextID    int
}

// PubSub 频道订阅管理：每个频道只持有一个 Redis 订阅，按引用计数释放
type PubSub struct {
	client *redis.Client
	logger *zap.Logger

	mu   sync.Mutex
	subs map[string]*channelSub
}

func newPubSub(client *redis.Client, logger *zap.Logger) *PubSub {
	return &PubSub{
		client: client,
		logger: logger,
		subs:   make(map[string]*channelSub),
	}
}

// Subscribe 订阅频道，返回消息通道与取消函数（可重复调用）
func (p *PubSub) Subscribe(ctx context.Context, channel string) (<-chan Message, func(), error) {
	p.mu.Lock()
	sub, ok := p.subs[channel]
	if !ok {
		ps := p.client.Subscribe(ctx, channel)
		if _, err := ps.Receive(ctx); err != nil {
			p.mu.Unlock()
			_ = ps.Close()
			return nil, nil, fmt.Errorf("failed to subscribe %s: %w", channel, err)
		}
		sub = &channelSub{
			ps:        ps,
			listeners: make(map[int]chan Message),
		}
		p.subs[channel] = sub
		go p.fanOut(channel, sub)
	}

	sub.mu.Lock()
	id := sub.nextID
	sub.nextID++
	ch := make(chan Message, listenerBuffer)
	sub.listeners[id] = ch
	sub.mu.Unlock()
	p.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() { p.release(channel, sub, id) })
	}
	return ch, cancel, nil
}

func (p *PubSub) release(channel string, sub *channelSub, id int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sub.mu.Lock()
	if ch, ok := sub.listeners[id]; ok {
		delete(sub.listeners, id)
		close(ch)
	}
	remaining := len(sub.listeners)
	sub.mu.Unlock()

	if remaining == 0 && p.subs[channel] == sub {
		delete(p.subs, channel)
		if err := sub.ps.Close(); err != nil {
			p.logger.Warn("Failed to close subscription",
				zap.String("channel", channel),
				zap.Error(err),
			)
		}
	}
}

func (p *PubSub) fanOut(channel string, sub *channelSub) {
	for msg := range sub.ps.Channel() {
		m := Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}
		sub.mu.Lock()
		for _, ch := range sub.listeners {
			select {
			case ch <- m:
			default:
				p.logger.Warn("Subscriber too slow, dropping message",
					zap.String("channel", channel),
				)
			}
		}
		sub.mu.Unlock()
	}
}

// Close 关闭全部订阅
func (p *PubSub) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for channel, sub := range p.subs {
		sub.mu.Lock()
		for id, ch := range sub.listeners {
			delete(sub.listeners, id)
			close(ch)
		}
		sub.mu.Unlock()
		if err := sub.ps.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.subs, channel)
	}
	return firstErr
}
