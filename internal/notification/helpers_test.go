package notification

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/notify/pkg/event"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var (
	user7      = event.Recipient{Type: event.SubjectUser, ID: 7}
	customer7  = event.Recipient{Type: event.SubjectCustomer, ID: 7}
	customer55 = event.Recipient{Type: event.SubjectCustomer, ID: 55}
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBroadcaster() *Broadcaster {
	return NewBroadcaster(WithLogger(discardLogger()))
}

// waitFor は条件が満たされるまで待つ。タイムアウトしたらテストを失敗させる。
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%s を待機中にタイムアウトしました", what)
}

// recordingListener は受け取ったイベントを記録するListener。
type recordingListener struct {
	mu     sync.Mutex
	events []event.Event
}

func (l *recordingListener) Deliver(ev event.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *recordingListener) received() []event.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]event.Event(nil), l.events...)
}

// frameWriter は書き込まれたフレームをチャネルに流すFrameWriter。
type frameWriter struct {
	frames chan event.Event
	mu     sync.Mutex
	err    error
	// block が閉じられるまで書き込みを止める。nilなら止めない。
	block chan struct{}
	// entered は書き込みがblockで止まったことを知らせる。
	entered chan struct{}
}

func newFrameWriter() *frameWriter {
	return &frameWriter{frames: make(chan event.Event, 1024)}
}

func (w *frameWriter) WriteFrame(data []byte) error {
	if w.block != nil {
		if w.entered != nil {
			select {
			case w.entered <- struct{}{}:
			default:
			}
		}
		<-w.block
	}
	w.mu.Lock()
	err := w.err
	w.mu.Unlock()
	if err != nil {
		return err
	}
	ev, err := event.Decode(data)
	if err != nil {
		return err
	}
	w.frames <- ev
	return nil
}

func (w *frameWriter) fail(err error) {
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
}

// next は次のフレームを待って返す。
func (w *frameWriter) next(t *testing.T) event.Event {
	t.Helper()
	select {
	case ev := <-w.frames:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("フレームを待機中にタイムアウトしました")
		return event.Event{}
	}
}

// nextKind は指定した種類のフレームが来るまで読み進める。
func (w *frameWriter) nextKind(t *testing.T, kind event.Kind) event.Event {
	t.Helper()
	for {
		ev := w.next(t)
		if ev.Kind == kind {
			return ev
		}
	}
}

var errBrokenPipe = errors.New("broken pipe")
