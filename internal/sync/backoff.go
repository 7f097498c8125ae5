package sync

import (
	"fmt"
	"time"

	"github.com/hitoshi/tomodachi/internal/model"
)

const (
	// initialBackoff は指数バックオフの初回遅延（30分）。
	initialBackoff = 30 * time.Minute
	// maxBackoff は指数バックオフの最大遅延（12時間）。
	maxBackoff = 12 * time.Hour
	// parseFailureThreshold はパース失敗によるポーリング停止の閾値。
	parseFailureThreshold = 10
)

// backoffDelay は連続エラー回数に基づいて指数バックオフ遅延を計算する。
// 初回30分、2倍ずつ増加、最大12時間。
func backoffDelay(consecutiveErrors int) time.Duration {
	delay := initialBackoff
	for i := 0; i < consecutiveErrors; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// applyPollSuccess は同期成功時にフィードの状態をリセットする。
// 連続エラー回数を0に戻し、ポーリング間隔に基づいてnext_poll_atを設定する。
func applyPollSuccess(feed *model.Feed) {
	interval := feed.PollIntervalMinutes
	if interval <= 0 {
		interval = model.DefaultPollIntervalMinutes
	}
	feed.ConsecutiveErrors = 0
	feed.LastLog = ""
	feed.NextPollAt = time.Now().Add(time.Duration(interval) * time.Minute)
	feed.UpdatedAt = time.Now()
}

// applyPollBackoff はフィードにバックオフ戦略を適用する。
// 連続エラー回数をインクリメントし、指数バックオフでnext_poll_atを設定する。
func applyPollBackoff(feed *model.Feed, reason string) {
	feed.ConsecutiveErrors++
	feed.LastLog = reason
	feed.NextPollAt = time.Now().Add(backoffDelay(feed.ConsecutiveErrors - 1))
	feed.UpdatedAt = time.Now()
}

// applyFeedGone はフィードのポーリングを恒久的に停止する。
// 404/410/401/403のようにリモートがフィードの消滅を示した場合に使用する。
func applyFeedGone(feed *model.Feed, reason string) {
	feed.Active = false
	feed.LastLog = reason
	feed.UpdatedAt = time.Now()
}

// applyParseFailure はパース失敗時に連続エラー回数をインクリメントする。
// 閾値に達した場合はポーリングを停止する。
func applyParseFailure(feed *model.Feed, reason string) {
	feed.ConsecutiveErrors++
	feed.LastLog = fmt.Sprintf("パース失敗 (%d回連続): %s", feed.ConsecutiveErrors, reason)
	feed.NextPollAt = time.Now().Add(backoffDelay(feed.ConsecutiveErrors - 1))
	feed.UpdatedAt = time.Now()

	if feed.ConsecutiveErrors >= parseFailureThreshold {
		feed.Active = false
		feed.LastLog = fmt.Sprintf("パース失敗が%d回連続したためポーリングを停止しました: %s", feed.ConsecutiveErrors, reason)
	}
}
