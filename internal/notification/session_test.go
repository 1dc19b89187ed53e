package notification

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nao1215/notify/pkg/event"
)

func newTestSession(b *Broadcaster, w FrameWriter, interval time.Duration, queue int) *Session {
	return NewSession(b, user7, w, SessionConfig{
		HeartbeatInterval: interval,
		QueueSize:         queue,
		Logger:            discardLogger(),
	})
}

// runSession はRunを別ゴルーチンで動かし、終了を通知するチャネルを返す。
func runSession(ctx context.Context, s *Session) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Runが終了しない")
		return nil
	}
}

// TestSession_Open はセッション開始時の処理を検証する。
func TestSession_Open(t *testing.T) {
	t.Parallel()

	t.Run("登録してからconnectedを送りOPENになること", func(t *testing.T) {
		t.Parallel()

		b := newTestBroadcaster()
		w := newFrameWriter()
		s := newTestSession(b, w, time.Hour, 0)
		if s.State() != StateInit {
			t.Fatalf("State = %s, want INIT", s.State())
		}
		if err := s.Open(); err != nil {
			t.Fatalf("Openでエラーが発生: %v", err)
		}
		defer s.Close()

		if ev := w.next(t); ev.Kind != event.KindConnected {
			t.Errorf("最初のフレーム = %q, want connected", ev.Kind)
		}
		if s.State() != StateOpen {
			t.Errorf("State = %s, want OPEN", s.State())
		}
		if b.ListenerCount(user7) != 1 {
			t.Errorf("ListenerCount = %d, want 1", b.ListenerCount(user7))
		}
		if s.ID() == "" || s.Recipient() != user7 || s.CreatedAt().IsZero() {
			t.Errorf("ID=%q Recipient=%v CreatedAt=%v", s.ID(), s.Recipient(), s.CreatedAt())
		}
	})

	t.Run("二重のOpenはエラーになること", func(t *testing.T) {
		t.Parallel()

		s := newTestSession(newTestBroadcaster(), newFrameWriter(), time.Hour, 0)
		if err := s.Open(); err != nil {
			t.Fatalf("Openでエラーが発生: %v", err)
		}
		defer s.Close()
		if err := s.Open(); !errors.Is(err, ErrSessionOpened) {
			t.Errorf("Open() error = %v, want ErrSessionOpened", err)
		}
	})

	t.Run("終了後のOpenはエラーになり登録もしないこと", func(t *testing.T) {
		t.Parallel()

		b := newTestBroadcaster()
		s := newTestSession(b, newFrameWriter(), time.Hour, 0)
		s.Close()
		if err := s.Open(); !errors.Is(err, ErrSessionClosed) {
			t.Errorf("Open() error = %v, want ErrSessionClosed", err)
		}
		if b.ActiveCount() != 0 {
			t.Errorf("ActiveCount = %d, want 0", b.ActiveCount())
		}
	})

	t.Run("connectedの書き込みに失敗したら登録を残さないこと", func(t *testing.T) {
		t.Parallel()

		b := newTestBroadcaster()
		w := newFrameWriter()
		w.fail(errBrokenPipe)
		s := newTestSession(b, w, time.Hour, 0)
		if err := s.Open(); !errors.Is(err, errBrokenPipe) {
			t.Errorf("Open() error = %v, want %v", err, errBrokenPipe)
		}
		if s.State() != StateClosed {
			t.Errorf("State = %s, want CLOSED", s.State())
		}
		if b.ActiveCount() != 0 || b.RecipientCount() != 0 {
			t.Errorf("active=%d recipients=%d, want 0 0", b.ActiveCount(), b.RecipientCount())
		}
	})
}

// TestSession_Run はストリームへの書き込みを検証する。
func TestSession_Run(t *testing.T) {
	t.Parallel()

	t.Run("発行された通知がフレームとして書き込まれること", func(t *testing.T) {
		t.Parallel()

		b := newTestBroadcaster()
		w := newFrameWriter()
		s := newTestSession(b, w, time.Hour, 0)
		if err := s.Open(); err != nil {
			t.Fatalf("Openでエラーが発生: %v", err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		done := runSession(ctx, s)
		w.nextKind(t, event.KindConnected)

		if got := b.Publish(user7, event.Notification{Title: "Invoice due", Message: "#1042"}); got != 1 {
			t.Errorf("Publish() = %d, want 1", got)
		}
		ev := w.nextKind(t, event.KindNewNotification)
		if ev.Notification.Title != "Invoice due" || ev.Notification.Message != "#1042" {
			t.Errorf("Notification = %+v", ev.Notification)
		}

		cancel()
		if err := waitRun(t, done); err != nil {
			t.Errorf("Run() error = %v, want nil", err)
		}
		if s.State() != StateClosed || b.ListenerCount(user7) != 0 {
			t.Errorf("State=%s listeners=%d, want CLOSED 0", s.State(), b.ListenerCount(user7))
		}
	})

	t.Run("ハートビートが間隔ごとに送られ終了後は止まること", func(t *testing.T) {
		t.Parallel()

		const interval = 20 * time.Millisecond
		b := newTestBroadcaster()
		w := newFrameWriter()
		s := newTestSession(b, w, interval, 0)
		if err := s.Open(); err != nil {
			t.Fatalf("Openでエラーが発生: %v", err)
		}
		done := runSession(context.Background(), s)
		w.nextKind(t, event.KindConnected)

		var beats []time.Time
		for range 3 {
			ev := w.nextKind(t, event.KindHeartbeat)
			if ev.Timestamp.IsZero() {
				t.Fatal("ハートビートに時刻がない")
			}
			beats = append(beats, ev.Timestamp)
		}
		if elapsed := beats[2].Sub(beats[0]); elapsed < interval {
			t.Errorf("3回のハートビートが %s の間に送られた。間隔が短すぎる", elapsed)
		}

		s.Close()
		if err := waitRun(t, done); err != nil {
			t.Errorf("Run() error = %v, want nil", err)
		}
		// Runが戻った後は書き込む者がいない。
		for len(w.frames) > 0 {
			<-w.frames
		}
		select {
		case ev := <-w.frames:
			t.Errorf("終了後にフレームが書き込まれた: %q", ev.Kind)
		case <-time.After(5 * interval):
		}
	})

	t.Run("書き込みに失敗したらCLOSEDになり登録が消えること", func(t *testing.T) {
		t.Parallel()

		b := newTestBroadcaster()
		w := newFrameWriter()
		s := newTestSession(b, w, time.Hour, 0)
		if err := s.Open(); err != nil {
			t.Fatalf("Openでエラーが発生: %v", err)
		}
		w.nextKind(t, event.KindConnected)
		done := runSession(context.Background(), s)

		w.fail(errBrokenPipe)
		b.Publish(user7, event.Notification{Title: "t"})

		if err := waitRun(t, done); !errors.Is(err, errBrokenPipe) {
			t.Errorf("Run() error = %v, want %v", err, errBrokenPipe)
		}
		if s.State() != StateClosed {
			t.Errorf("State = %s, want CLOSED", s.State())
		}
		if b.ListenerCount(user7) != 0 || b.RecipientCount() != 0 {
			t.Errorf("listeners=%d recipients=%d, want 0 0", b.ListenerCount(user7), b.RecipientCount())
		}
		select {
		case <-s.Done():
		default:
			t.Error("Doneが閉じられていない")
		}
	})

	t.Run("送信キューが溢れたらセッションを終了すること", func(t *testing.T) {
		t.Parallel()

		b := newTestBroadcaster()
		s := newTestSession(b, newFrameWriter(), time.Hour, 1)
		if err := s.Open(); err != nil {
			t.Fatalf("Openでエラーが発生: %v", err)
		}

		// Runを動かさないのでキューは消費されない。
		if got := b.Publish(user7, event.Notification{Title: "1"}); got != 1 {
			t.Errorf("1件目のPublish() = %d, want 1", got)
		}
		if got := b.Publish(user7, event.Notification{Title: "2"}); got != 0 {
			t.Errorf("2件目のPublish() = %d, want 0", got)
		}
		if s.State() != StateClosed || b.ListenerCount(user7) != 0 {
			t.Errorf("State=%s listeners=%d, want CLOSED 0", s.State(), b.ListenerCount(user7))
		}
		if err := s.Deliver(event.Event{}); !errors.Is(err, ErrSessionClosed) {
			t.Errorf("Deliver() error = %v, want ErrSessionClosed", err)
		}
	})

	t.Run("開始前のRunはエラーになること", func(t *testing.T) {
		t.Parallel()

		s := newTestSession(newTestBroadcaster(), newFrameWriter(), time.Hour, 0)
		if err := s.Run(context.Background()); !errors.Is(err, ErrSessionClosed) {
			t.Errorf("Run() error = %v, want ErrSessionClosed", err)
		}
	})
}

// TestSession_Close は終了処理の冪等性を検証する。
func TestSession_Close(t *testing.T) {
	t.Parallel()

	t.Run("複数の経路から同時に閉じても一度だけ解放されること", func(t *testing.T) {
		t.Parallel()

		b := newTestBroadcaster()
		other := &recordingListener{}
		b.Subscribe(user7, other)

		w := newFrameWriter()
		s := newTestSession(b, w, 5*time.Millisecond, 0)
		if err := s.Open(); err != nil {
			t.Fatalf("Openでエラーが発生: %v", err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		done := runSession(ctx, s)

		var wg sync.WaitGroup
		for range 10 {
			wg.Go(s.Close)
		}
		wg.Go(cancel)
		wg.Go(func() { w.fail(errBrokenPipe) })
		wg.Wait()
		waitRun(t, done)

		if s.State() != StateClosed {
			t.Errorf("State = %s, want CLOSED", s.State())
		}
		// 他のセッションの登録は残る。
		if b.ListenerCount(user7) != 1 {
			t.Errorf("ListenerCount = %d, want 1", b.ListenerCount(user7))
		}
	})

	t.Run("書き込み中のフレームはCloseで途中終了しないこと", func(t *testing.T) {
		t.Parallel()

		b := newTestBroadcaster()
		w := newFrameWriter()
		s := newTestSession(b, w, time.Hour, 0)
		if err := s.Open(); err != nil {
			t.Fatalf("Openでエラーが発生: %v", err)
		}
		w.nextKind(t, event.KindConnected)

		w.block = make(chan struct{})
		w.entered = make(chan struct{}, 1)
		done := runSession(context.Background(), s)
		b.Publish(user7, event.Notification{Title: "in-flight"})

		// 書き込み中にCloseしても、ブロックが解けた後にフレームは完全に書き込まれる。
		select {
		case <-w.entered:
		case <-time.After(5 * time.Second):
			t.Fatal("書き込みが始まらない")
		}
		s.Close()
		close(w.block)
		waitRun(t, done)

		if ev := w.next(t); ev.Kind != event.KindNewNotification {
			t.Errorf("Kind = %q, want new_notification", ev.Kind)
		}
	})
}

// TestTracker はシャットダウン時の一括終了を検証する。
func TestTracker(t *testing.T) {
	t.Parallel()

	b := newTestBroadcaster()
	tracker := NewTracker()

	var sessions []*Session
	var dones []<-chan error
	for range 3 {
		s := newTestSession(b, newFrameWriter(), time.Hour, 0)
		tracker.Add(s)
		if err := s.Open(); err != nil {
			t.Fatalf("Openでエラーが発生: %v", err)
		}
		sessions = append(sessions, s)
		dones = append(dones, runSession(context.Background(), s))
	}
	if tracker.Len() != 3 || b.ListenerCount(user7) != 3 {
		t.Fatalf("tracker=%d listeners=%d, want 3 3", tracker.Len(), b.ListenerCount(user7))
	}

	tracker.Remove(sessions[0])
	tracker.CloseAll()
	for _, done := range dones[1:] {
		waitRun(t, done)
	}
	if tracker.Len() != 0 {
		t.Errorf("tracker.Len() = %d, want 0", tracker.Len())
	}
	if b.ListenerCount(user7) != 1 {
		t.Errorf("ListenerCount = %d, want 1", b.ListenerCount(user7))
	}
	if sessions[0].State() != StateOpen {
		t.Errorf("取り除いたセッションの状態 = %s, want OPEN", sessions[0].State())
	}
	sessions[0].Close()
	waitRun(t, dones[0])
}

// TestState_String は状態名を検証する。
func TestState_String(t *testing.T) {
	t.Parallel()

	for state, want := range map[State]string{StateInit: "INIT", StateOpen: "OPEN", StateClosed: "CLOSED", State(9): "State(9)"} {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int32(state), got, want)
		}
	}
}
