package bridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/slack-go/slack"
)

type slackCall struct {
	method string
	form   map[string]string
}

func newTestSlack(t *testing.T, history string) (*SlackChat, *[]slackCall) {
	t.Helper()
	var (
		mu    sync.Mutex
		calls []slackCall
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		form := make(map[string]string)
		for k := range r.Form {
			form[k] = r.Form.Get(k)
		}
		mu.Lock()
		calls = append(calls, slackCall{method: r.URL.Path, form: form})
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/chat.postMessage":
			_, _ = w.Write([]byte(`{"ok":true,"channel":"C123","ts":"1700000000.000100"}`))
		case "/chat.update":
			_, _ = w.Write([]byte(`{"ok":true,"channel":"C123","ts":"1700000000.000100","text":"x"}`))
		case "/conversations.history":
			_, _ = w.Write([]byte(history))
		default:
			_, _ = w.Write([]byte(`{"ok":false,"error":"unknown_method"}`))
		}
	}))
	t.Cleanup(srv.Close)

	api := slack.New("xoxb-test", slack.OptionAPIURL(srv.URL+"/"))
	return NewSlackChat(api, "C123", nil), &calls
}

func TestSlackChat_SendPlainDisablesMarkdown(t *testing.T) {
	chat, calls := newTestSlack(t, "")

	ref, err := chat.Send(context.Background(), "📌 Work: 📨 1", false)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if ref.ChannelID != "C123" || ref.Timestamp != "1700000000.000100" {
		t.Errorf("ref = %+v", ref)
	}
	c := (*calls)[0]
	if c.method != "/chat.postMessage" || c.form["channel"] != "C123" {
		t.Errorf("call = %+v", c)
	}
	if c.form["mrkdwn"] != "false" {
		t.Errorf("mrkdwn = %q, want false for plain text", c.form["mrkdwn"])
	}
}

func TestSlackChat_SendFormatted(t *testing.T) {
	chat, calls := newTestSlack(t, "")

	if _, err := chat.Send(context.Background(), "*bold*", true); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if v, ok := (*calls)[0].form["mrkdwn"]; ok && v == "false" {
		t.Error("formatted messages must keep markdown enabled")
	}
}

func TestSlackChat_Update(t *testing.T) {
	chat, calls := newTestSlack(t, "")

	err := chat.Update(context.Background(), MessageRef{ChannelID: "C123", Timestamp: "1700000000.000100"}, "new", false)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	c := (*calls)[0]
	if c.method != "/chat.update" || c.form["ts"] != "1700000000.000100" || c.form["text"] != "new" {
		t.Errorf("call = %+v", c)
	}
}

func TestSlackChat_ReceiveOrdersAndFilters(t *testing.T) {
	history := `{"ok":true,"messages":[
		{"type":"message","user":"U1","text":"all","ts":"1700000003.000000"},
		{"type":"message","bot_id":"B1","text":"alert","ts":"1700000002.000000"},
		{"type":"message","subtype":"channel_join","user":"U2","ts":"1700000001.500000"},
		{"type":"message","user":"U1","text":"253","ts":"1700000001.000000"}
	]}`
	chat, calls := newTestSlack(t, history)

	msgs, err := chat.Receive(context.Background(), "1700000000.000000")
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %+v, want 2 human messages", msgs)
	}
	if msgs[0].Text != "253" || msgs[1].Text != "all" {
		t.Errorf("order = %q, %q; want oldest first", msgs[0].Text, msgs[1].Text)
	}
	if msgs[0].SenderID != "U1" || msgs[1].Timestamp != "1700000003.000000" {
		t.Errorf("fields = %+v", msgs)
	}
	if got := (*calls)[0].form["oldest"]; got != "1700000000.000000" {
		t.Errorf("oldest = %q", got)
	}
}

func TestSlackChat_APIErrorWrapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":false,"error":"channel_not_found"}`))
	}))
	defer srv.Close()

	chat := NewSlackChat(slack.New("xoxb-test", slack.OptionAPIURL(srv.URL+"/")), "C404", nil)
	if _, err := chat.Send(context.Background(), "x", false); err == nil {
		t.Fatal("expected error from failed post")
	}
}
