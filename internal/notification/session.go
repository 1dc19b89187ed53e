package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nao1215/notify/pkg/event"
)

// DefaultHeartbeatInterval はハートビートの既定の送信間隔。
const DefaultHeartbeatInterval = 30 * time.Second

// DefaultQueueSize はセッションごとの送信キューの既定サイズ。
const DefaultQueueSize = 64

var (
	// ErrSessionClosed は終了済みのセッションを操作したことを表す。
	ErrSessionClosed = errors.New("セッションは終了しています")
	// ErrSessionOpened は開始済みのセッションを再度開始しようとしたことを表す。
	ErrSessionOpened = errors.New("セッションは既に開始されています")
	// ErrSlowConsumer は送信キューが満杯で配信できなかったことを表す。
	ErrSlowConsumer = errors.New("送信キューが満杯です")
)

// State はセッションの状態。INIT → OPEN → CLOSED の順にしか遷移しない。
type State int32

const (
	// StateInit は生成直後の状態。
	StateInit State = iota
	// StateOpen は配信中の状態。
	StateOpen
	// StateClosed は終了した状態。
	StateClosed
)

// String は状態名を返す。
func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// FrameWriter は1フレーム分のデータを接続に書き込む。
type FrameWriter interface {
	WriteFrame(data []byte) error
}

// SessionConfig はセッションの設定。
type SessionConfig struct {
	// HeartbeatInterval はハートビートの送信間隔。0以下なら既定値を使う。
	HeartbeatInterval time.Duration
	// QueueSize は送信キューのサイズ。0以下なら既定値を使う。
	QueueSize int
	// Transport はメトリクス用のトランスポート名（sse, websocket）。
	Transport string
	// Logger はログ出力先。nilならslog.Default()を使う。
	Logger *slog.Logger
}

// Session は1本のストリーミング接続のサーバー側の状態。
// リスナー登録とハートビートタイマーはCloseでまとめて解放される。
type Session struct {
	id        string
	recipient event.Recipient
	b         *Broadcaster
	w         FrameWriter
	cfg       SessionConfig
	logger    *slog.Logger

	createdAt    time.Time
	lastActivity atomic.Int64
	state        atomic.Int32

	queue chan event.Event
	done  chan struct{}

	// mu はOpenとCloseの間でsubとtickerの受け渡しを保護する。
	mu     sync.Mutex
	sub    *Subscription
	ticker *time.Ticker

	// writeMu は1フレームの書き込みを直列化する。
	writeMu   sync.Mutex
	closeOnce sync.Once
}

// NewSession は通知先に紐づく新しいセッションをINIT状態で生成する。
func NewSession(b *Broadcaster, r event.Recipient, w FrameWriter, cfg SessionConfig) *Session {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Transport == "" {
		cfg.Transport = "sse"
	}
	l := cfg.Logger
	if l == nil {
		l = slog.Default()
	}

	s := &Session{
		id:        uuid.NewString(),
		recipient: r,
		b:         b,
		w:         w,
		cfg:       cfg,
		createdAt: b.now(),
		queue:     make(chan event.Event, cfg.QueueSize),
		done:      make(chan struct{}),
	}
	s.logger = l.With("session_id", s.id, "recipient", r.String(), "transport", cfg.Transport)
	s.touch()
	return s
}

// ID はセッションの識別子を返す。
func (s *Session) ID() string { return s.id }

// Recipient はセッションの通知先を返す。
func (s *Session) Recipient() event.Recipient { return s.recipient }

// CreatedAt はセッションの生成日時を返す。
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// LastActivityAt は最後にフレームを書き込んだ日時を返す。
func (s *Session) LastActivityAt() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// State は現在の状態を返す。
func (s *Session) State() State { return State(s.state.Load()) }

// Done はセッション終了時に閉じられるチャネルを返す。
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) touch() {
	s.lastActivity.Store(s.b.now().UnixNano())
}

// Open はセッションを開始する。
// Broadcasterへのリスナー登録、connectedイベントの送信、ハートビートタイマーの開始をこの順に行う。
func (s *Session) Open() error {
	s.mu.Lock()
	switch s.State() {
	case StateOpen:
		s.mu.Unlock()
		return ErrSessionOpened
	case StateClosed:
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.sub = s.b.Subscribe(s.recipient, s)
	s.mu.Unlock()

	if err := s.write(event.Connected(s.b.now())); err != nil {
		s.closeWithReason("write_error")
		return fmt.Errorf("connectedイベントの送信に失敗: %w", err)
	}

	s.mu.Lock()
	if s.State() == StateClosed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.ticker = time.NewTicker(s.cfg.HeartbeatInterval)
	s.state.Store(int32(StateOpen))
	s.mu.Unlock()

	activeSessions.WithLabelValues(s.cfg.Transport).Inc()
	s.logger.Info("ストリームを開始しました")
	return nil
}

// Deliver はBroadcasterから呼ばれ、イベントを送信キューに積む。
// キューが満杯の場合はセッションを終了してErrSlowConsumerを返す。
func (s *Session) Deliver(ev event.Event) error {
	if s.State() == StateClosed {
		return ErrSessionClosed
	}
	select {
	case s.queue <- ev:
		return nil
	default:
		s.closeWithReason("slow_consumer")
		return ErrSlowConsumer
	}
}

// Run はセッションが終了するまで送信キューとハートビートを接続に書き込む。
// ctxのキャンセル（クライアント切断やシャットダウン）、Close、書き込みエラーのいずれかで戻る。
// 書き込みエラーの場合のみエラーを返す。
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	ticker := s.ticker
	s.mu.Unlock()
	if ticker == nil || s.State() != StateOpen {
		return ErrSessionClosed
	}

	for {
		select {
		case <-ctx.Done():
			s.closeWithReason("disconnect")
			return nil
		case <-s.done:
			return nil
		case ev := <-s.queue:
			if err := s.write(ev); err != nil {
				if errors.Is(err, ErrSessionClosed) {
					return nil
				}
				s.closeWithReason("write_error")
				return err
			}
		case t := <-ticker.C:
			if err := s.write(event.Heartbeat(t)); err != nil {
				if errors.Is(err, ErrSessionClosed) {
					return nil
				}
				s.closeWithReason("write_error")
				return err
			}
		}
	}
}

// write はイベントを1フレームとして書き込む。
func (s *Session) write(ev event.Event) error {
	data, err := event.Encode(ev)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.State() == StateClosed {
		return ErrSessionClosed
	}
	if err := s.w.WriteFrame(data); err != nil {
		s.logger.Info("フレームの書き込みに失敗", "kind", string(ev.Kind), "error", err)
		return fmt.Errorf("フレームの書き込みに失敗: %w", err)
	}
	s.touch()
	eventsDelivered.WithLabelValues(string(ev.Kind)).Inc()
	return nil
}

// Close はセッションを終了する。どのゴルーチンから何度呼んでもよい。
func (s *Session) Close() {
	s.closeWithReason("closed")
}

// closeWithReason はハートビートタイマーの停止とリスナー登録の解除を必ず両方行う。
func (s *Session) closeWithReason(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		prev := State(s.state.Swap(int32(StateClosed)))
		sub, ticker := s.sub, s.ticker
		s.mu.Unlock()

		if ticker != nil {
			ticker.Stop()
		}
		if sub != nil {
			sub.Unsubscribe()
		}
		close(s.done)

		if prev == StateOpen {
			activeSessions.WithLabelValues(s.cfg.Transport).Dec()
		}
		sessionsClosed.WithLabelValues(reason).Inc()
		s.logger.Info("ストリームを終了しました",
			"reason", reason,
			"duration", s.b.now().Sub(s.createdAt).String(),
		)
	})
}

// Tracker は開いているセッションを保持し、シャットダウン時にまとめて閉じる。
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewTracker は空のTrackerを生成する。
func NewTracker() *Tracker {
	return &Tracker{sessions: make(map[string]*Session)}
}

// Add はセッションを追加する。
func (t *Tracker) Add(s *Session) {
	t.mu.Lock()
	t.sessions[s.id] = s
	t.mu.Unlock()
}

// Remove はセッションを取り除く。
func (t *Tracker) Remove(s *Session) {
	t.mu.Lock()
	delete(t.sessions, s.id)
	t.mu.Unlock()
}

// Len は保持しているセッション数を返す。
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// CloseAll は全セッションを閉じて取り除く。
func (t *Tracker) CloseAll() {
	t.mu.Lock()
	sessions := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		sessions = append(sessions, s)
	}
	t.sessions = make(map[string]*Session)
	t.mu.Unlock()

	for _, s := range sessions {
		s.closeWithReason("shutdown")
	}
}
