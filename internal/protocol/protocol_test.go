package protocol

import (
	"encoding/json"
	"errors"
	"net/url"
	"testing"

	"github.com/shopspring/decimal"

	"tokenfeed/internal/registry"
	"tokenfeed/models"
)

func decodeArray(t *testing.T, frame []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	if err := json.Unmarshal(frame, &out); err != nil {
		t.Fatalf("frame %s is not a JSON array: %v", frame, err)
	}
	return out
}

func TestMultiplexedReconcileIsSingleFrame(t *testing.T) {
	desired := []registry.Subscription{
		registry.Balance("WALLET1"),
		registry.Price("TOKENA"),
		registry.Price("TOKENB"),
	}
	frames, err := Multiplexed{}.ReconcileFrames(desired)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected one frame, got %d", len(frames))
	}
	entries := decodeArray(t, frames[0])
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %v", entries)
	}
	if entries[0]["action"] != "subscribeBalance" || entries[0]["wallet"] != "WALLET1" {
		t.Fatalf("unexpected balance entry %v", entries[0])
	}
	if entries[2]["action"] != "subscribePrice" || entries[2]["token"] != "TOKENB" {
		t.Fatalf("unexpected price entry %v", entries[2])
	}
}

func TestReconcileEmptySendsNothing(t *testing.T) {
	for _, p := range []Protocol{Multiplexed{}, Live{}, PriceOnly{}} {
		frames, err := p.ReconcileFrames(nil)
		if err != nil || len(frames) != 0 {
			t.Fatalf("%s: expected no frames, got %d (%v)", p.Name(), len(frames), err)
		}
	}
}

func TestMultiplexedEndpoint(t *testing.T) {
	creds := &models.Credentials{Wallet: "w1", Signature: "s&ig", Nonce: "42"}
	got, err := Multiplexed{}.Endpoint("wss://api.example.com/ws", creds)
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}
	u, err := url.Parse(got)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	q := u.Query()
	if q.Get("wallet") != "w1" || q.Get("signature") != "s&ig" || q.Get("nonce") != "42" {
		t.Fatalf("unexpected query %v", q)
	}

	if got, err := (Multiplexed{}).Endpoint("wss://api.example.com/ws", nil); err != nil || got != "wss://api.example.com/ws" {
		t.Fatalf("expected unsigned base url without credentials, got %q %v", got, err)
	}
	partial := &models.Credentials{Wallet: "w1"}
	if _, err := (Multiplexed{}).Endpoint("wss://api.example.com/ws", partial); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
}

func TestMultiplexedControlFrames(t *testing.T) {
	frames, err := Multiplexed{}.UnsubscribeFrames(registry.Balance("W"), nil)
	if err != nil || len(frames) != 1 {
		t.Fatalf("unsubscribe: %v %d", err, len(frames))
	}
	if string(frames[0]) != `{"action":"unsubscribeBalance","wallet":"W"}` {
		t.Fatalf("unexpected frame %s", frames[0])
	}
	if _, err := (Multiplexed{}).SubscribeFrames(registry.TokenFeed(), nil); !errors.Is(err, ErrUnsupportedKind) {
		t.Fatalf("expected ErrUnsupportedKind, got %v", err)
	}
}

func TestMultiplexedDecode(t *testing.T) {
	p := Multiplexed{}

	f, err := p.Decode([]byte(`{"type":"PRICE_UPDATE","token":"TOKENX","price":"1.5","timestamp":1700000000000}`))
	if err != nil || f.Kind != FramePrice || f.Price.Token != "TOKENX" {
		t.Fatalf("flat price: %+v %v", f, err)
	}

	f, err = p.Decode([]byte(`{"type":"BALANCE_UPDATE","data":{"wallet":"W","balance":"10","timestamp":1}}`))
	if err != nil || f.Kind != FrameBalance || !f.Balance.Balance.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("nested balance: %+v %v", f, err)
	}
	if f.Balance.Timestamp != 1 {
		t.Fatalf("expected timestamp kept as sent, got %d", f.Balance.Timestamp)
	}

	f, err = p.Decode([]byte(`{"type":"PONG"}`))
	if err != nil || f.Kind != FramePong {
		t.Fatalf("pong: %+v %v", f, err)
	}

	f, err = p.Decode([]byte(`{"type":"MAINTENANCE","eta":5}`))
	if err != nil || f.Kind != FrameUnknown || f.Type != "MAINTENANCE" {
		t.Fatalf("unknown frame: %+v %v", f, err)
	}

	if _, err := p.Decode([]byte(`{not json`)); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
	if _, err := p.Decode([]byte(`{"type":"PRICE_UPDATE","price":"1"}`)); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame for missing token, got %v", err)
	}
}

func TestLiveFullStateFrames(t *testing.T) {
	p := Live{}
	desired := []registry.Subscription{registry.Balance("W1"), registry.Balance("W2"), registry.TokenFeed()}

	frames, err := p.SubscribeFrames(registry.TokenFeed(), desired)
	if err != nil || len(frames) != 1 {
		t.Fatalf("subscribe: %v %d", err, len(frames))
	}
	want := `{"action":"subscribeLive","subscriptions":{"balance":{"wallets":["W1","W2"]},"tokens":{"type":"all"}}}`
	if string(frames[0]) != want {
		t.Fatalf("got %s\nwant %s", frames[0], want)
	}

	frames, err = p.UnsubscribeFrames(registry.TokenFeed(), nil)
	if err != nil || len(frames) != 1 {
		t.Fatalf("unsubscribe: %v %d", err, len(frames))
	}
	if string(frames[0]) != `{"action":"subscribeLive","subscriptions":{}}` {
		t.Fatalf("unexpected empty state frame %s", frames[0])
	}

	if _, err := p.SubscribeFrames(registry.Price("T"), desired); !errors.Is(err, ErrUnsupportedKind) {
		t.Fatalf("expected ErrUnsupportedKind, got %v", err)
	}
}

func TestLiveDecode(t *testing.T) {
	p := Live{}

	f, err := p.Decode([]byte(`{"type":"TOKEN_CREATED","data":{"token":"MINT1","symbol":"MT","price":0.01,"timestamp":"2023-11-14T22:13:20Z"}}`))
	if err != nil || f.Kind != FrameToken {
		t.Fatalf("token created: %+v %v", f, err)
	}
	if f.Token.Address != "MINT1" || f.Token.Event != models.TokenCreated || f.Token.Timestamp != 1700000000000 {
		t.Fatalf("unexpected token update %+v", f.Token)
	}

	f, err = p.Decode([]byte(`{"type":"TOKEN_UPDATED","address":"MINT1","price":"0.02"}`))
	if err != nil || f.Token.Event != models.TokenUpdated {
		t.Fatalf("token updated: %+v %v", f, err)
	}

	f, err = p.Decode([]byte(`{"type":"SUBSCRIPTION_CONFIRMED","data":{"balance":true}}`))
	if err != nil || f.Kind != FrameSubscriptionConfirmed || string(f.Confirmed) != `{"balance":true}` {
		t.Fatalf("confirmed: %+v %v", f, err)
	}
}

func TestPriceOnlyDecodeWithAndWithoutType(t *testing.T) {
	p := PriceOnly{}

	for _, raw := range []string{
		`{"token":"TOKENX","price":"2.5","timestamp":1700000000000}`,
		`{"type":"PRICE_UPDATE","token":"TOKENX","price":2.5,"timestamp":1700000000000}`,
	} {
		f, err := p.Decode([]byte(raw))
		if err != nil || f.Kind != FramePrice {
			t.Fatalf("%s: %+v %v", raw, f, err)
		}
		if !f.Price.Price.Equal(decimal.RequireFromString("2.5")) {
			t.Fatalf("%s: unexpected price %s", raw, f.Price.Price)
		}
	}

	f, err := p.Decode([]byte(`{"op":"PONG"}`))
	if err != nil || f.Kind != FramePong {
		t.Fatalf("pong: %+v %v", f, err)
	}
	f, err = p.Decode([]byte(`{"status":"ok"}`))
	if err != nil || f.Kind != FrameUnknown {
		t.Fatalf("untyped non-price frame: %+v %v", f, err)
	}
}

func TestPriceOnlyControlFrames(t *testing.T) {
	p := PriceOnly{}
	frames, err := p.SubscribeFrames(registry.Price("TOKENX"), nil)
	if err != nil || string(frames[0]) != `{"op":"SUB","token":"TOKENX"}` {
		t.Fatalf("subscribe: %v %s", err, frames)
	}
	frames, err = p.ReconcileFrames([]registry.Subscription{registry.Price("A"), registry.Price("B")})
	if err != nil || len(frames) != 1 {
		t.Fatalf("reconcile: %v %d", err, len(frames))
	}
	if entries := decodeArray(t, frames[0]); len(entries) != 2 || entries[1]["op"] != "SUB" {
		t.Fatalf("unexpected reconcile %s", frames[0])
	}
	if string(p.Ping()) != `{"op":"PING"}` {
		t.Fatalf("unexpected ping %s", p.Ping())
	}
}

func TestNew(t *testing.T) {
	for _, name := range []string{NameMultiplexed, NameLive, NamePriceOnly} {
		p, err := New(name)
		if err != nil || p.Name() != name {
			t.Fatalf("%s: %v", name, err)
		}
	}
	if _, err := New("grpc"); err == nil {
		t.Fatalf("expected error for unknown protocol")
	}
}

func TestStampMissingFillsOnlyZeroTimestamps(t *testing.T) {
	f, err := Live{}.Decode([]byte(`{"type":"TOKEN_UPDATED","address":"MINT1","price":"0.02"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	f.StampMissing(1700000000500)
	if f.Token.Timestamp != 1700000000500 {
		t.Fatalf("expected receipt time, got %d", f.Token.Timestamp)
	}

	f, err = PriceOnly{}.Decode([]byte(`{"token":"TOKENX","price":"1","timestamp":1700000000000}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	f.StampMissing(1700000000500)
	if f.Price.Timestamp != 1700000000000 {
		t.Fatalf("sent timestamp overwritten: %d", f.Price.Timestamp)
	}

	pong := Frame{Kind: FramePong}
	pong.StampMissing(1)
}
