package playback

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/hachimi/hachimi-core/internal/api"
	apperrors "github.com/hachimi/hachimi-core/internal/errors"
	"github.com/hachimi/hachimi-core/internal/fetch"
	"github.com/hachimi/hachimi-core/internal/monitoring"
	"github.com/hachimi/hachimi-core/internal/player"
	"github.com/hachimi/hachimi-core/internal/queue"
)

// crossfadeFloor is the remaining time under which auto-advance is left to
// the End event
const crossfadeFloor = 500 * time.Millisecond

// Fetcher resolves a song into a ready item
type Fetcher interface {
	Resolve(ctx context.Context, songID uint64, displayID string, onMetadata fetch.MetadataFunc, onProgress fetch.ProgressFunc) (*player.Item, error)
}

// Remote is the part of the remote source the service talks to directly
type Remote interface {
	GetSongMetadataByDisplayID(ctx context.Context, displayID string) (*api.SongMetadata, error)
	TouchPlayHistory(ctx context.Context, songID uint64) error
	GetPublicProfile(ctx context.Context, uid uint64) (*api.PublicUserProfile, error)
}

// MetadataStore keeps metadata fetched outside the pipeline
type MetadataStore interface {
	SaveMetadata(ctx context.Context, metadata *api.SongMetadata) error
}

// Alerter surfaces a user-visible failure
type Alerter interface {
	Alert(message string)
}

// ExplicitConfirmer asks whether an explicit song may play in kids mode
type ExplicitConfirmer func(item queue.Item) bool

// Options configures a Service
type Options struct {
	Player          player.Player
	Fetcher         Fetcher
	Remote          Remote
	Metadata        MetadataStore
	Queue           *queue.Manager
	Persister       *queue.Persister
	Settings        *Settings
	Alerter         Alerter
	ConfirmExplicit ExplicitConfirmer

	Retry             apperrors.RetryConfig
	PollInterval      time.Duration
	SideEffectTimeout time.Duration
	ProfileCacheSize  int
	Logger            *zap.Logger
}

// Service is the playback orchestrator. Start must be called before any
// command.
type Service struct {
	player    player.Player
	fetcher   Fetcher
	remote    Remote
	metadata  MetadataStore
	queue     *queue.Manager
	persister *queue.Persister
	settings  *Settings
	alerter   Alerter
	confirm   ExplicitConfirmer
	logger    *zap.Logger

	retry        apperrors.RetryConfig
	pollInterval time.Duration
	sideTimeout  time.Duration

	guard       *attemptGuard
	broadcaster *Broadcaster
	profiles    *lru.Cache[uint64, *api.PublicUserProfile]

	transitioning atomic.Bool

	prepareMu     sync.Mutex
	prepareCancel context.CancelFunc

	fetchMu     sync.Mutex
	fetchCancel context.CancelFunc

	saveMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService wires a playback service
func NewService(opts Options) (*Service, error) {
	if opts.Player == nil || opts.Fetcher == nil || opts.Queue == nil || opts.Persister == nil {
		return nil, apperrors.NewValidationError("player, fetcher, queue and persister are required")
	}

	size := opts.ProfileCacheSize
	if size <= 0 {
		size = 256
	}
	profiles, err := lru.New[uint64, *api.PublicUserProfile](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create profile cache: %w", err)
	}

	s := &Service{
		player:       opts.Player,
		fetcher:      opts.Fetcher,
		remote:       opts.Remote,
		metadata:     opts.Metadata,
		queue:        opts.Queue,
		persister:    opts.Persister,
		settings:     opts.Settings,
		alerter:      opts.Alerter,
		confirm:      opts.ConfirmExplicit,
		logger:       monitoring.Component(opts.Logger, "playback"),
		retry:        opts.Retry,
		pollInterval: opts.PollInterval,
		sideTimeout:  opts.SideEffectTimeout,
		broadcaster:  NewBroadcaster(),
		profiles:     profiles,
	}
	s.guard = newAttemptGuard(s.broadcaster.PublishState)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if s.settings == nil {
		s.settings = &Settings{}
	}
	if s.alerter == nil {
		s.alerter = s.broadcaster
	}
	if s.retry.MaxAttempts <= 0 {
		s.retry = apperrors.DefaultRetryConfig()
	}
	// every failure except cancellation is worth another attempt
	s.retry.RetryableErrors = nil
	if s.pollInterval <= 0 {
		s.pollInterval = 100 * time.Millisecond
	}
	if s.sideTimeout <= 0 {
		s.sideTimeout = 30 * time.Second
	}
	return s, nil
}

// Start initializes the player, restores the persisted queue and starts the
// position polling loop
func (s *Service) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.broadcaster.Start()

	if err := s.player.Initialize(s.ctx); err != nil {
		return apperrors.NewPlaybackError("failed to initialize player", err)
	}
	s.logger.Info("player initialized")
	s.player.Subscribe(s.handleEvent)

	_, fadeDuration := s.settings.Fade()
	s.player.SetFadeDuration(fadeDuration)

	s.RestorePlayerState(s.ctx)
	s.player.SetReplayGainEnabled(s.settings.LoudnessNormalization())

	s.wg.Add(1)
	go s.pollLoop()
	return nil
}

// Close persists the state and stops every background task
func (s *Service) Close() {
	if err := s.SavePlayerState(context.Background()); err != nil {
		s.logger.Warn("failed to save player state", zap.Error(err))
	}

	s.prepareMu.Lock()
	if s.prepareCancel != nil {
		s.prepareCancel()
	}
	s.prepareMu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.broadcaster.Stop()
}

// State returns a snapshot of the UI state
func (s *Service) State() UIState {
	return s.guard.Snapshot()
}

// Queue returns the queue in canonical order
func (s *Service) Queue() []queue.Item {
	return s.queue.Items()
}

// Subscribe returns a subscriber receiving state snapshots and alerts
func (s *Service) Subscribe() *Subscriber {
	return s.broadcaster.Subscribe()
}

func (s *Service) Unsubscribe(sub *Subscriber) {
	s.broadcaster.Unsubscribe(sub)
}

// Settings returns the live settings
func (s *Service) Settings() *Settings {
	return s.settings
}

// background runs fn on a bounded context that outlives any attempt
func (s *Service) background(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.sideTimeout)
		defer cancel()
		fn(ctx)
	}()
}

func (s *Service) pollLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick syncs the transport state and triggers the crossfade near track end
func (s *Service) tick() {
	playing := s.player.IsPlaying()
	var position int64
	if playing {
		position = s.player.CurrentPosition()
	}

	s.guard.Mutate(func(st *UIState) bool {
		changed := st.IsPlaying != playing
		st.IsPlaying = playing
		if playing && st.CurrentMillis != position {
			st.CurrentMillis = position
			changed = true
		}
		return changed
	})

	if playing {
		s.maybeCrossfade(position)
	}
}

func (s *Service) maybeCrossfade(position int64) {
	enabled, fadeDuration := s.settings.Fade()
	if !enabled {
		return
	}
	st := s.guard.Snapshot()
	if st.SongInfo == nil || st.Busy() {
		return
	}

	remaining := time.Duration(int64(st.SongInfo.DurationSeconds)*1000-position) * time.Millisecond
	if remaining <= crossfadeFloor || remaining > fadeDuration {
		return
	}
	if !s.transitioning.CompareAndSwap(false, true) {
		return
	}

	s.logger.Debug("crossfading to next song",
		zap.Uint64("song_id", st.SongInfo.ID),
		zap.Duration("remaining", remaining))
	s.Next(true)
}

func (s *Service) handleEvent(ev player.Event) {
	switch ev.Type {
	case player.EventEnd:
		// An End tagged with another song belongs to a track already replaced
		if ev.SongID != 0 && ev.SongID != s.guard.Snapshot().PlayingSongID() {
			s.logger.Debug("ignoring end of replaced song", zap.Uint64("song_id", ev.SongID))
			return
		}
		s.setPlaying(false)
		if !s.transitioning.Load() {
			s.autoNext()
		}
	case player.EventError:
		s.transitioning.Store(false)
		msg := "playback error"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		s.logger.Error("player reported an error", zap.Error(ev.Err))
		monitoring.RecordError(string(apperrors.ErrTypePlayback))
		s.alerter.Alert(msg)
	case player.EventPause:
		s.setPlaying(false)
	case player.EventPlay:
		s.transitioning.Store(false)
		s.setPlaying(true)
	case player.EventSeek:
	}
}

func (s *Service) setPlaying(playing bool) {
	s.guard.Mutate(func(st *UIState) bool {
		if st.IsPlaying == playing {
			return false
		}
		st.IsPlaying = playing
		return true
	})
}

// autoNext follows a natural track end. Only auto-advance honours repeat mode.
func (s *Service) autoNext() {
	enabled, _ := s.settings.Fade()
	if s.settings.Repeat() {
		if id := s.guard.Snapshot().PlayingSongID(); id != 0 {
			s.PlaySongInQueue(id, true, enabled)
		}
		return
	}
	s.Next(enabled)
}

// PlaySongInQueue plays a queued song, replacing any attempt still preparing.
// The returned channel is closed once the attempt settles.
func (s *Service) PlaySongInQueue(id uint64, instantPlay bool, fade bool) <-chan struct{} {
	done := make(chan struct{})

	s.prepareMu.Lock()
	if s.prepareCancel != nil {
		s.logger.Debug("cancel prepare job")
		s.prepareCancel()
		s.prepareCancel = nil
	}

	item, ok := s.queue.Find(id)
	if !ok {
		s.prepareMu.Unlock()
		s.transitioning.Store(false)
		close(done)
		return done
	}

	ctx, cancel := context.WithCancel(s.ctx)
	s.prepareCancel = cancel
	s.prepareMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(done)
		defer cancel()

		s.logger.Debug("playing song in queue", zap.Uint64("song_id", item.ID), zap.String("name", item.Name))
		s.playWithRetry(ctx, item, instantPlay, fade)
		s.saveState()
	}()
	return done
}

// playWithRetry owns one attempt token across every try
func (s *Service) playWithRetry(ctx context.Context, item queue.Item, instantPlay, fade bool) {
	tok := s.guard.Begin()

	cfg := s.retry
	cfg.OnRetry = func(attempt int, wait time.Duration, err error) {
		monitoring.RecordPlayRetry()
		s.logger.Warn("retrying playback",
			zap.Uint64("song_id", item.ID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", wait),
			zap.Error(err))
	}

	err := apperrors.RetryWithBackoffAndJitter(ctx, cfg, func() error {
		return s.playItem(ctx, tok, item, instantPlay, fade)
	})

	switch {
	case err == nil:
		monitoring.RecordPlayAttempt("success")
		return
	case apperrors.IsCancellation(err):
		monitoring.RecordPlayAttempt("cancelled")
		s.logger.Info("preparing cancelled", zap.Uint64("song_id", item.ID))
		return
	}

	monitoring.RecordPlayAttempt("failed")
	monitoring.RecordError(string(apperrors.GetErrorType(err)))

	last := err
	var exhausted *apperrors.RetryExhaustedError
	if stderrors.As(err, &exhausted) && exhausted.Last != nil {
		last = exhausted.Last
	}

	if s.guard.Update(tok, func(st *UIState) {
		st.FetchingMetadata = false
		st.Buffering = false
	}) {
		s.transitioning.Store(false)
	}

	s.logger.Error("failed to play song", zap.Uint64("song_id", item.ID), zap.Error(last))
	s.alerter.Alert(fmt.Sprintf("Failed to play %s: %s", item.Name, last.Error()))
}

// playItem is a single try at playing item under token tok
func (s *Service) playItem(ctx context.Context, tok uint64, item queue.Item, instantPlay, fade bool) error {
	s.player.Pause(fade)

	s.guard.Update(tok, func(st *UIState) {
		st.DownloadProgress = 0
		st.PreviewMetadata = previewFrom(item)
		st.FetchingMetadata = true
	})

	ready, err := s.fetcher.Resolve(ctx, item.ID, item.DisplayID,
		func(meta *api.SongMetadata) { s.applyMetadata(tok, meta) },
		func(fraction float64) {
			s.guard.Update(tok, func(st *UIState) {
				st.Buffering = true
				st.DownloadProgress = fraction
			})
		})
	if err != nil {
		return err
	}

	s.touchPlayHistory(ready.ID)

	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.guard.IsCurrent(tok) {
		return nil
	}

	if err := s.player.Prepare(ctx, ready, instantPlay, fade); err != nil {
		return err
	}

	s.guard.Update(tok, func(st *UIState) {
		st.FetchingMetadata = false
		st.Buffering = false
		st.DownloadProgress = 1
	})
	return nil
}

func (s *Service) applyMetadata(tok uint64, meta *api.SongMetadata) {
	profile, cached := s.profiles.Get(meta.UploaderUID)

	s.guard.Update(tok, func(st *UIState) {
		st.SongInfo = meta
		st.FetchingMetadata = false
		st.HasSong = true
		st.CurrentMillis = 0
		st.AuthorProfile = profile
	})

	if !cached && meta.UploaderUID != 0 {
		s.loadAuthorProfile(tok, meta.UploaderUID)
	}
}

func (s *Service) loadAuthorProfile(tok uint64, uid uint64) {
	if s.remote == nil {
		return
	}
	s.background(func(ctx context.Context) {
		profile, err := s.remote.GetPublicProfile(ctx, uid)
		if err != nil {
			if !apperrors.IsCancellation(err) {
				s.logger.Warn("failed to load author profile", zap.Uint64("uid", uid), zap.Error(err))
			}
			return
		}
		s.profiles.Add(uid, profile)
		s.guard.Update(tok, func(st *UIState) {
			st.AuthorProfile = profile
		})
	})
}

// touchPlayHistory is fire and forget. It is not tied to the attempt.
func (s *Service) touchPlayHistory(songID uint64) {
	if s.remote == nil {
		return
	}
	s.background(func(ctx context.Context) {
		if err := s.remote.TouchPlayHistory(ctx, songID); err != nil {
			s.logger.Warn("failed to touch song", zap.Uint64("song_id", songID), zap.Error(err))
		}
	})
}

// Next plays the following song, walking the shuffle permutation in shuffle mode
func (s *Service) Next(fade bool) {
	if s.settings.Shuffle() {
		if item, ok := s.queue.ShuffleNext(); ok {
			s.PlaySongInQueue(item.ID, true, fade)
			return
		}
		s.transitioning.Store(false)
		return
	}
	s.queueNext(fade)
}

// Previous plays the preceding song, walking the shuffle permutation in shuffle mode
func (s *Service) Previous(fade bool) {
	if s.settings.Shuffle() {
		if item, ok := s.queue.ShufflePrevious(); ok {
			s.PlaySongInQueue(item.ID, true, fade)
		}
		return
	}
	s.queuePrevious(fade)
}

func (s *Service) queueNext(fade bool) {
	item, ok := s.queue.Next(s.guard.Snapshot().CurrentSongID())
	if !ok {
		s.transitioning.Store(false)
		return
	}
	s.PlaySongInQueue(item.ID, true, fade)
}

func (s *Service) queuePrevious(fade bool) {
	item, ok := s.queue.Previous(s.guard.Snapshot().CurrentSongID())
	if !ok {
		return
	}
	s.PlaySongInQueue(item.ID, true, fade)
}

// InsertToQueue adds a song. In kids mode an explicit song needs the
// confirmer's approval. Returns false when the song was refused.
func (s *Service) InsertToQueue(item queue.Item, instantPlay bool, toTail bool) bool {
	if item.IsExplicit() && s.settings.KidsMode() {
		if s.confirm == nil || !s.confirm(item) {
			s.logger.Info("explicit song refused in kids mode", zap.Uint64("song_id", item.ID))
			return false
		}
	}

	s.queue.Insert(item, toTail, s.guard.Snapshot().PlayingSongID())

	if instantPlay {
		s.guard.Mutate(func(st *UIState) bool {
			if st.HasSong {
				return false
			}
			st.HasSong = true
			return true
		})
		s.PlaySongInQueue(item.ID, true, false)
	} else {
		s.saveState()
	}
	return true
}

// InsertToQueueWithFetch looks a song up by display id and inserts it. A
// newer call cancels a lookup still in flight. The returned channel is closed
// once the lookup settles.
func (s *Service) InsertToQueueWithFetch(displayID string, instantPlay bool, toTail bool) <-chan struct{} {
	done := make(chan struct{})
	if s.remote == nil {
		close(done)
		return done
	}

	s.fetchMu.Lock()
	if s.fetchCancel != nil {
		s.fetchCancel()
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.fetchCancel = cancel
	s.fetchMu.Unlock()

	tok := s.guard.Current()
	s.guard.Update(tok, func(st *UIState) { st.FetchingMetadata = true })

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(done)
		defer cancel()
		// a play started meanwhile owns the flag
		defer s.guard.Update(tok, func(st *UIState) { st.FetchingMetadata = false })

		meta, err := s.remote.GetSongMetadataByDisplayID(ctx, displayID)
		if err != nil {
			if apperrors.IsCancellation(err) {
				s.logger.Info("lookup cancelled", zap.String("display_id", displayID))
				return
			}
			s.logger.Error("failed to insert song to music queue", zap.String("display_id", displayID), zap.Error(err))
			s.alerter.Alert(err.Error())
			return
		}

		if s.metadata != nil {
			if err := s.metadata.SaveMetadata(ctx, meta); err != nil {
				s.logger.Warn("failed to cache metadata", zap.Uint64("song_id", meta.ID), zap.Error(err))
			}
		}

		s.InsertToQueue(queue.ItemFromMetadata(meta), instantPlay, toTail)
	}()
	return done
}

// PlayAll replaces the queue and starts from its beginning. Explicit songs
// are dropped in kids mode.
func (s *Service) PlayAll(items []queue.Item) {
	if s.settings.KidsMode() {
		items = lo.Reject(items, func(it queue.Item, _ int) bool { return it.IsExplicit() })
	}
	s.ReplaceQueue(items)
	s.Next(false)
}

// ReplaceQueue swaps the whole queue and stops playback
func (s *Service) ReplaceQueue(items []queue.Item) {
	s.player.Stop()
	s.queue.Replace(items)
	s.saveState()
}

// RemoveFromQueue drops a song. Removing the playing song moves on to the
// next one, or clears the player when nothing is left.
func (s *Service) RemoveFromQueue(id uint64) {
	result := s.queue.Remove(id, s.guard.Snapshot().CurrentSongID())
	if !result.Removed {
		return
	}

	switch {
	case result.Next != nil:
		s.PlaySongInQueue(result.Next.ID, true, false)
	case result.Empty:
		s.stopAndClear()
		s.saveState()
	default:
		s.saveState()
	}
}

// ClearQueue empties the queue and resets the player
func (s *Service) ClearQueue() {
	s.queue.Clear()
	s.stopAndClear()
	s.saveState()
}

func (s *Service) stopAndClear() {
	s.prepareMu.Lock()
	if s.prepareCancel != nil {
		s.prepareCancel()
		s.prepareCancel = nil
	}
	s.prepareMu.Unlock()

	s.player.Stop()
	s.guard.Reset()
	s.transitioning.Store(false)
}

// PlayOrPause toggles playback. Ignored while a song is loading.
func (s *Service) PlayOrPause() {
	if s.guard.Snapshot().Busy() {
		return
	}
	if s.player.IsPlaying() {
		enabled, _ := s.settings.Fade()
		s.player.Pause(enabled)
		return
	}
	if err := s.player.Play(); err != nil {
		s.logger.Warn("failed to resume playback", zap.Error(err))
	}
}

// SetSongProgress seeks to a fraction of the song. Ignored while loading.
func (s *Service) SetSongProgress(fraction float64) {
	st := s.guard.Snapshot()
	if st.Busy() || st.SongInfo == nil {
		return
	}
	fraction = lo.Clamp(fraction, 0, 1)
	s.seek(int64(fraction * float64(st.SongInfo.DurationSeconds) * 1000))
}

// Seek moves to ms. Ignored while loading.
func (s *Service) Seek(ms int64) {
	if s.guard.Snapshot().Busy() {
		return
	}
	s.seek(ms)
}

func (s *Service) seek(ms int64) {
	if err := s.player.Seek(ms, true); err != nil {
		s.logger.Warn("seek failed", zap.Int64("position_ms", ms), zap.Error(err))
		return
	}
	s.guard.Mutate(func(st *UIState) bool {
		st.CurrentMillis = ms
		return true
	})
}

// UpdateVolume sets and persists the volume. Ignored while loading.
func (s *Service) UpdateVolume(volume float32) {
	if s.guard.Snapshot().Busy() {
		return
	}
	volume = lo.Clamp(volume, 0, 1)

	s.player.SetVolume(volume)
	s.guard.Mutate(func(st *UIState) bool {
		st.Volume = volume
		return true
	})
	s.background(func(ctx context.Context) {
		if err := s.persister.SaveVolume(ctx, volume); err != nil {
			s.logger.Warn("failed to save volume", zap.Error(err))
		}
	})
}

func (s *Service) SetShuffleMode(enabled bool) {
	s.settings.setShuffle(enabled)
}

func (s *Service) SetRepeatMode(enabled bool) {
	s.settings.setRepeat(enabled)
}

// SetFade toggles the crossfade and sets its length
func (s *Service) SetFade(enabled bool, durationMs int) {
	d := time.Duration(durationMs) * time.Millisecond
	s.settings.setFade(enabled, d)
	s.player.SetFadeDuration(d)
}

func (s *Service) SetLoudnessNormalization(enabled bool) {
	s.settings.setLoudness(enabled)
	s.player.SetReplayGainEnabled(enabled)
}

func (s *Service) SetKidsMode(enabled bool) {
	s.settings.setKidsMode(enabled)
}

// saveState persists in the background. Each write snapshots the state when
// it runs, so later writes never carry older state.
func (s *Service) saveState() {
	s.background(func(ctx context.Context) {
		if err := s.SavePlayerState(ctx); err != nil {
			s.logger.Warn("failed to save player state", zap.Error(err))
		}
	})
}

// SavePlayerState writes the queue and the playing song id
func (s *Service) SavePlayerState(ctx context.Context) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	state := queue.PersistedState{Queue: s.queue.Items()}
	if id := s.guard.Snapshot().PlayingSongID(); id != 0 {
		state.PlayingSongID = &id
	}
	return s.persister.Save(ctx, state)
}

// RestorePlayerState restores the volume and queue, and prepares the song
// that was playing without starting it
func (s *Service) RestorePlayerState(ctx context.Context) {
	volume, err := s.persister.LoadVolume(ctx)
	if err != nil {
		s.logger.Warn("failed to load volume", zap.Error(err))
	}
	s.player.SetVolume(volume)
	s.guard.Mutate(func(st *UIState) bool {
		st.Volume = volume
		return true
	})

	state, ok, err := s.persister.Load(ctx)
	if err != nil {
		s.logger.Warn("failed to restore music queue", zap.Error(err))
		return
	}
	if !ok {
		s.logger.Info("music queue was not found")
		return
	}

	s.queue.Replace(state.Queue)
	s.logger.Info("restored music queue", zap.Int("size", len(state.Queue)))
	if state.PlayingSongID != nil {
		s.PlaySongInQueue(*state.PlayingSongID, false, false)
	}
}
