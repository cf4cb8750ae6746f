package infra

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ListenResilient: универсальный цикл для "живучей" подписки на сигналы Redis.
// Обрабатывает переподключения и вызывает onReconnect после каждой успешной подписки,
// чтобы догнать состояние, пропущенное пока канал был недоступен.
func ListenResilient(
	ctx context.Context,
	rdb redis.UniversalClient,
	logger *zap.Logger,
	channel string,
	onReconnect func() error,
	onMessage func(payload string),
) {
	for {
		pubsub := rdb.Subscribe(ctx, channel)

		// Проверка успешности подписки
		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to subscribe", zap.String("chan", channel), zap.Error(err))
			if !sleepCtx(ctx, 5*time.Second) {
				return
			}
			continue
		}

		if onReconnect != nil {
			if err := onReconnect(); err != nil {
				logger.Error("sync failed on reconnect", zap.String("chan", channel), zap.Error(err))
			}
		}

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}
				onMessage(msg.Payload)
			}
		}

		pubsub.Close()
		if !sleepCtx(ctx, time.Second) {
			return
		}
	}
}

// ParseSwitchSignal разбирает сигнал формата "id:status", где status — on/off/true/false.
func ParseSwitchSignal(payload string) (id string, on bool, ok bool) {
	idx := strings.LastIndex(payload, ":")
	if idx <= 0 || idx == len(payload)-1 {
		return "", false, false
	}
	id, status := payload[:idx], payload[idx+1:]
	switch status {
	case "on", "true":
		return id, true, true
	case "off", "false":
		return id, false, true
	}
	return "", false, false
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
