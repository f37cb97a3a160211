package push

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/apiclient"
)

type recordingDoer struct {
	reqs []apiclient.Request
	err  error
}

func (d *recordingDoer) Do(ctx context.Context, req apiclient.Request, out any) error {
	d.reqs = append(d.reqs, req)
	return d.err
}

func TestNewRegistrar_ValidatesToken(t *testing.T) {
	if _, err := NewRegistrar(&recordingDoer{}, "fcm:abc", "android", nil); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
	r, err := NewRegistrar(&recordingDoer{}, "", "android", nil)
	if err != nil {
		t.Fatalf("empty token: %v", err)
	}
	if r.Enabled() {
		t.Error("empty token should disable push")
	}
}

func TestRegistrar_RegisterAndUnregister(t *testing.T) {
	d := &recordingDoer{}
	r, err := NewRegistrar(d, "ExponentPushToken[xyz]", "ios", nil)
	if err != nil {
		t.Fatalf("NewRegistrar: %v", err)
	}
	if err := r.Register(context.Background(), "a1"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Unregister(context.Background(), "a1"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if len(d.reqs) != 2 {
		t.Fatalf("requests = %d, want 2", len(d.reqs))
	}
	reg := d.reqs[0]
	if reg.Method != http.MethodPost || reg.Path != "/api/push-tokens" || reg.Token != "a1" {
		t.Errorf("register request = %+v", reg)
	}
	body := reg.Body.(map[string]string)
	if body["token"] != "ExponentPushToken[xyz]" || body["platform"] != "ios" {
		t.Errorf("register body = %v", body)
	}
	if d.reqs[1].Method != http.MethodDelete {
		t.Errorf("unregister method = %s", d.reqs[1].Method)
	}
}

func TestRegistrar_DisabledMakesNoCalls(t *testing.T) {
	d := &recordingDoer{}
	r, _ := NewRegistrar(d, "", "android", nil)
	_ = r.Register(context.Background(), "a1")
	_ = r.Unregister(context.Background(), "a1")
	if len(d.reqs) != 0 {
		t.Errorf("requests = %d, want 0", len(d.reqs))
	}
}

func TestRegistrar_WrapsErrors(t *testing.T) {
	d := &recordingDoer{err: apiclient.ErrForbidden}
	r, _ := NewRegistrar(d, "ExponentPushToken[xyz]", "android", nil)
	if err := r.Register(context.Background(), "a1"); !errors.Is(err, apiclient.ErrForbidden) {
		t.Errorf("err = %v, want ErrForbidden", err)
	}
}
