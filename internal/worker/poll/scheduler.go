// Package poll はフィード同期のバックグラウンド実行を提供する。
// ティッカー駆動でポーリング期限を過ぎたフィードを取得し、
// アクター単位にまとめて同期エンジンへ渡す。
package poll

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/tomodachi/internal/model"
	"github.com/hitoshi/tomodachi/internal/repository"
)

// ActorSyncService はアクター単位のフィード同期の実行インターフェース。
type ActorSyncService interface {
	SyncActorFeeds(ctx context.Context, actor *model.Actor, feeds []*model.Feed) error
}

// defaultBatchLimit は1サイクルで取得するフィード数の上限。
const defaultBatchLimit = 200

// Scheduler はフィード同期のスケジューリングと並列制御を行う。
// semaphoreパターンでアクター間の最大並列数を制御しつつ、
// 同一アクターの同期は常に高々1つしか実行しない。
// リモート投稿インデックスがメモリ上で再構築されるため、
// 同一アクターの同期が並行すると整合性が壊れる。
type Scheduler struct {
	actorRepo      repository.ActorRepository
	feedRepo       repository.FeedRepository
	syncer         ActorSyncService
	logger         *slog.Logger
	maxConcurrency int
	batchLimit     int
	inflight       inflightSet
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値10を使用する。
func NewScheduler(
	actorRepo repository.ActorRepository,
	feedRepo repository.FeedRepository,
	syncer ActorSyncService,
	logger *slog.Logger,
	maxConcurrency int,
) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = 10
	}
	return &Scheduler{
		actorRepo:      actorRepo,
		feedRepo:       feedRepo,
		syncer:         syncer,
		logger:         logger,
		maxConcurrency: maxConcurrency,
		batchLimit:     defaultBatchLimit,
		inflight:       inflightSet{ids: make(map[string]bool)},
	}
}

// Start は指定間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("同期スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	// 起動直後に1回実行
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("同期サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("同期スケジューラを停止しました")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("同期サイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce はポーリング期限を過ぎたフィードを1回取得し、
// アクター単位にまとめて並列で同期を実行する。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()

	// ポーリング対象フィードを取得（FOR UPDATE SKIP LOCKED）
	feeds, err := s.feedRepo.ListDueForPoll(ctx, start, s.batchLimit)
	if err != nil {
		return err
	}

	if len(feeds) == 0 {
		s.logger.Info("同期対象のフィードはありません")
		return nil
	}

	byActor := make(map[string][]*model.Feed)
	for _, feed := range feeds {
		byActor[feed.ActorID] = append(byActor[feed.ActorID], feed)
	}

	s.logger.Info("同期サイクルを開始します",
		slog.Int("feed_count", len(feeds)),
		slog.Int("actor_count", len(byActor)),
	)

	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup

	for actorID, actorFeeds := range byActor {
		if !s.inflight.tryAcquire(actorID) {
			s.logger.Warn("同期が実行中のためスキップします",
				slog.String("actor_id", actorID),
			)
			continue
		}

		wg.Add(1)
		sem <- struct{}{} // semaphore取得（ブロック）

		go func(id string, targets []*model.Feed) {
			defer wg.Done()
			defer func() { <-sem }() // semaphore解放
			defer s.inflight.release(id)

			s.syncActor(ctx, id, targets)
		}(actorID, actorFeeds)
	}

	wg.Wait()

	duration := time.Since(start)
	s.logger.Info("同期サイクルが完了しました",
		slog.Int("feed_count", len(feeds)),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

func (s *Scheduler) syncActor(ctx context.Context, actorID string, feeds []*model.Feed) {
	actor, err := s.actorRepo.FindByID(ctx, actorID)
	if err != nil {
		s.logger.Error("アクターの取得に失敗しました",
			slog.String("actor_id", actorID),
			slog.String("error", err.Error()),
		)
		return
	}
	if actor == nil {
		s.logger.Warn("フィードの所有アクターが存在しません",
			slog.String("actor_id", actorID),
		)
		return
	}

	if err := s.syncer.SyncActorFeeds(ctx, actor, feeds); err != nil {
		s.logger.Error("アクターの同期に失敗しました",
			slog.String("actor_id", actorID),
			slog.String("error", err.Error()),
		)
	}
}

// inflightSet は実行中アクターIDの集合。
// 同一アクターの同期を同時に2つ走らせないための排他に使用する。
type inflightSet struct {
	mu  sync.Mutex
	ids map[string]bool
}

func (s *inflightSet) tryAcquire(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ids[id] {
		return false
	}
	s.ids[id] = true
	return true
}

func (s *inflightSet) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, id)
}
