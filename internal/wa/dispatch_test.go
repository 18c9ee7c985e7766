package wa

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"bot-pedidos/internal/logging"

	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

type recordingProcessor struct {
	mu     sync.Mutex
	seen   map[string][]string
	jitter bool
	hook   func(Inbound)
}

func newRecordingProcessor() *recordingProcessor {
	return &recordingProcessor{seen: make(map[string][]string)}
}

func (p *recordingProcessor) ProcessMessage(ctx context.Context, msg Inbound) {
	if p.hook != nil {
		p.hook(msg)
	}
	if p.jitter {
		time.Sleep(time.Duration(rand.Intn(200)) * time.Microsecond)
	}
	p.mu.Lock()
	p.seen[msg.Sender] = append(p.seen[msg.Sender], msg.Text)
	p.mu.Unlock()
}

func textEvent(user, id, text string) *events.Message {
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Chat:   userJID(user),
				Sender: userJID(user),
			},
			ID: types.MessageID(id),
		},
		Message: &waProto.Message{Conversation: proto.String(text)},
	}
}

func TestHandleMessageKeepsArrivalOrderPerSender(t *testing.T) {
	const rounds = 500
	for i := 0; i < rounds; i++ {
		proc := newRecordingProcessor()
		c := &Client{logger: logging.Discard()}
		c.SetMessageProcessor(proc)

		c.handleMessage(textEvent("573001112233", "m1", "Ana"))
		c.handleMessage(textEvent("573001112233", "m2", "123"))
		c.dispatcher.Wait()

		got := proc.seen["573001112233@s.whatsapp.net"]
		if len(got) != 2 || got[0] != "Ana" || got[1] != "123" {
			t.Fatalf("round %d: messages applied out of arrival order: %v", i, got)
		}
	}
}

func TestDispatcherOrdersBurstsPerSender(t *testing.T) {
	proc := newRecordingProcessor()
	proc.jitter = true
	d := NewDispatcher(proc, logging.Discard())

	senders := []string{"a@s.whatsapp.net", "b@s.whatsapp.net", "c@s.whatsapp.net"}
	const perSender = 40
	for i := 0; i < perSender; i++ {
		for _, s := range senders {
			d.Dispatch(context.Background(), Inbound{Sender: s, Text: fmt.Sprint(i)})
		}
	}
	d.Wait()

	for _, s := range senders {
		got := proc.seen[s]
		if len(got) != perSender {
			t.Fatalf("%s: expected %d messages, got %d", s, perSender, len(got))
		}
		for i, text := range got {
			if text != fmt.Sprint(i) {
				t.Fatalf("%s: position %d holds %q", s, i, text)
			}
		}
	}
}

func TestDispatcherRunsSendersConcurrently(t *testing.T) {
	release := make(chan struct{})
	proc := newRecordingProcessor()
	proc.hook = func(msg Inbound) {
		if msg.Sender == "slow@s.whatsapp.net" {
			<-release
		}
	}
	d := NewDispatcher(proc, logging.Discard())

	d.Dispatch(context.Background(), Inbound{Sender: "slow@s.whatsapp.net", Text: "1"})
	done := make(chan struct{})
	go func() {
		for {
			proc.mu.Lock()
			n := len(proc.seen["fast@s.whatsapp.net"])
			proc.mu.Unlock()
			if n == 1 {
				close(done)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
	d.Dispatch(context.Background(), Inbound{Sender: "fast@s.whatsapp.net", Text: "1"})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("a blocked sender held up another sender")
	}
	close(release)
	d.Wait()
}

func TestDispatcherSurvivesProcessorPanic(t *testing.T) {
	proc := newRecordingProcessor()
	proc.hook = func(msg Inbound) {
		if msg.Text == "boom" {
			panic("processor failure")
		}
	}
	d := NewDispatcher(proc, logging.Discard())
	d.Dispatch(context.Background(), Inbound{Sender: "a", Text: "boom"})
	d.Dispatch(context.Background(), Inbound{Sender: "a", Text: "after"})
	d.Wait()

	if got := proc.seen["a"]; len(got) != 1 || got[0] != "after" {
		t.Fatalf("expected queue to continue after panic, got %v", got)
	}
}
