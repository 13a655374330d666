package topic

import (
	"context"
	"sync"
	"time"

	"github.com/mqttcore/mqttcore/store"
	"github.com/mqttcore/mqttcore/types/message"
)

// persistentStore is the subset of store.Store[*message.Message] the
// retained manager needs to durably back its in-memory trie. Any of
// store.MemoryStore, store.PebbleStore or store.RedisStore satisfies it.
type persistentStore interface {
	Save(ctx context.Context, key string, value *message.Message) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
	Load(ctx context.Context, key string) (*message.Message, error)
}

type RetainedManager struct {
	store           *store.RetainedStore
	persist         persistentStore
	cleanupTicker   *time.Ticker
	cleanupInterval time.Duration
	stopCh          chan struct{}
	wg              sync.WaitGroup
	onCleanup       func(count int)
}

type RetainedConfig struct {
	CleanupInterval time.Duration
	OnCleanup       func(count int)

	// Persist, if non-nil, durably backs every Set/Delete so retained
	// messages survive a broker restart. The in-memory trie is still the
	// path every Get/Match reads from; Persist is loaded once at startup.
	Persist persistentStore
}

func DefaultRetainedConfig() *RetainedConfig {
	return &RetainedConfig{
		CleanupInterval: 5 * time.Minute,
	}
}

func NewRetainedManager(config *RetainedConfig) *RetainedManager {
	if config == nil {
		config = DefaultRetainedConfig()
	}

	if config.CleanupInterval == 0 {
		config.CleanupInterval = 5 * time.Minute
	}

	rm := &RetainedManager{
		store:           store.NewRetainedStore(),
		persist:         config.Persist,
		cleanupInterval: config.CleanupInterval,
		cleanupTicker:   time.NewTicker(config.CleanupInterval),
		stopCh:          make(chan struct{}),
		onCleanup:       config.OnCleanup,
	}

	if rm.persist != nil {
		rm.restore()
	}

	rm.wg.Add(1)
	go rm.cleanupLoop()

	return rm
}

// restore replays every key the persistent store holds back into the
// in-memory trie so retained messages survive a broker restart.
func (rm *RetainedManager) restore() {
	ctx := context.Background()
	keys, err := rm.persist.List(ctx)
	if err != nil {
		return
	}
	for _, topic := range keys {
		msg, err := rm.persist.Load(ctx, topic)
		if err != nil || msg == nil {
			continue
		}
		_ = rm.store.Set(ctx, topic, msg)
	}
}

func (rm *RetainedManager) Set(ctx context.Context, topic string, msg *message.Message) error {
	if err := rm.store.Set(ctx, topic, msg); err != nil {
		return err
	}
	if rm.persist != nil {
		if len(msg.Payload) == 0 {
			return rm.persist.Delete(ctx, topic)
		}
		return rm.persist.Save(ctx, topic, msg)
	}
	return nil
}

func (rm *RetainedManager) Get(ctx context.Context, topic string) (*message.Message, error) {
	return rm.store.Get(ctx, topic)
}

func (rm *RetainedManager) Delete(ctx context.Context, topic string) error {
	if err := rm.store.Delete(ctx, topic); err != nil {
		return err
	}
	if rm.persist != nil {
		return rm.persist.Delete(ctx, topic)
	}
	return nil
}

func (rm *RetainedManager) Match(ctx context.Context, topicFilter string, matcher store.TopicMatcher) ([]*message.Message, error) {
	return rm.store.Match(ctx, topicFilter, matcher)
}

func (rm *RetainedManager) Count(ctx context.Context) (int64, error) {
	return rm.store.Count(ctx)
}

func (rm *RetainedManager) cleanupLoop() {
	defer rm.wg.Done()

	for {
		select {
		case <-rm.cleanupTicker.C:
			rm.cleanup()
		case <-rm.stopCh:
			return
		}
	}
}

func (rm *RetainedManager) cleanup() {
	ctx := context.Background()
	count, err := rm.store.CleanupExpired(ctx)
	if err == nil && count > 0 && rm.onCleanup != nil {
		rm.onCleanup(count)
	}
}

func (rm *RetainedManager) Close() error {
	close(rm.stopCh)
	rm.cleanupTicker.Stop()
	rm.wg.Wait()
	return rm.store.Close()
}
