package network

import "sync"

// Broadcaster занимается только рассылкой сообщений подписчикам.
// Подписчики - потребители SSE-потока оверлея, каждый со своим личным
// каналом. Медленный потребитель теряет сообщения, а не тормозит
// остальных: отправка неблокирующая.
type Broadcaster[T any] struct {
	mu sync.RWMutex
	// Мапа: идентификатор подписчика -> личный канал
	subscribers map[string]chan T
}

func NewBroadcaster[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{
		subscribers: make(map[string]chan T),
	}
}

// Register создает личный канал подписчика.
func (b *Broadcaster[T]) Register(id string) chan T {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Если канал был, закрываем
	if old, ok := b.subscribers[id]; ok {
		close(old)
	}

	ch := make(chan T, 100)
	b.subscribers[id] = ch
	return ch
}

// Unregister удаляет подписчика.
func (b *Broadcaster[T]) Unregister(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

// SendTo отправляет сообщение конкретному подписчику (Unicast).
func (b *Broadcaster[T]) SendTo(id string, msg T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if ch, ok := b.subscribers[id]; ok {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Broadcast отправляет всем подписчикам.
func (b *Broadcaster[T]) Broadcast(msg T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- msg:
		default:
		}
	}
}

// HasSubscriber проверяет, есть ли подписчик с данным id.
func (b *Broadcaster[T]) HasSubscriber(id string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.subscribers[id]
	return ok
}

// SubscriberCount возвращает количество активных подписчиков.
func (b *Broadcaster[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
