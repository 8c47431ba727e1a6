package hooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/url"
	"testing"

	"changeline/internal/config"
)

func githubSig(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestNormalizeGitHub(t *testing.T) {
	body := []byte(`{"pusher":{"name":"octo"},"commits":[{"message":"fixes US#12"},{"message":"chore"}]}`)
	cfg := config.ProviderConfig{Secret: "s3cret", Users: map[string]string{"octo": "alice"}}
	header := http.Header{}
	header.Set("X-Hub-Signature-256", githubSig("s3cret", body))

	push, err := Normalize("github", cfg, header, nil, body)
	if err != nil {
		t.Fatal(err)
	}
	if push.ActorID != "alice" {
		t.Fatalf("actor = %q, want mapped alice", push.ActorID)
	}
	if len(push.Messages) != 2 || push.Messages[0] != "fixes US#12" {
		t.Fatalf("messages = %v", push.Messages)
	}
}

func TestNormalizeGitHubBadSignature(t *testing.T) {
	body := []byte(`{"commits":[]}`)
	cfg := config.ProviderConfig{Secret: "s3cret"}
	header := http.Header{}
	header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	if _, err := Normalize("github", cfg, header, nil, body); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("err = %v, want bad signature", err)
	}
}

func TestNormalizeGitHubUnmappedActor(t *testing.T) {
	body := []byte(`{"pusher":{"name":"stranger"},"commits":[{"message":"closes task#1"}]}`)
	push, err := Normalize("github", config.ProviderConfig{}, http.Header{}, nil, body)
	if err != nil {
		t.Fatal(err)
	}
	if push.ActorID != "system:webhook:github" {
		t.Fatalf("actor = %q, want generic system actor", push.ActorID)
	}
}

func TestNormalizeGitLab(t *testing.T) {
	body := []byte(`{"user_username":"gl","commits":[{"message":"ref US#3"}]}`)
	cfg := config.ProviderConfig{Secret: "tok", Users: map[string]string{"gl": "bob"}}
	header := http.Header{}
	header.Set("X-Gitlab-Token", "tok")

	push, err := Normalize("gitlab", cfg, header, nil, body)
	if err != nil {
		t.Fatal(err)
	}
	if push.ActorID != "bob" || len(push.Messages) != 1 {
		t.Fatalf("push = %+v", push)
	}

	header.Set("X-Gitlab-Token", "wrong")
	if _, err := Normalize("gitlab", cfg, header, nil, body); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("err = %v, want bad signature", err)
	}
}

func TestNormalizeBitbucket(t *testing.T) {
	body := []byte(`{"actor":{"nickname":"bb"},"push":{"changes":[{"commits":[{"message":"fix issue#9"},{"message":"wip"}]},{"commits":[{"message":"closes task#2"}]}]}}`)
	cfg := config.ProviderConfig{Secret: "k", Users: map[string]string{"bb": "carol"}}
	query := url.Values{"key": []string{"k"}}

	push, err := Normalize("bitbucket", cfg, nil, query, body)
	if err != nil {
		t.Fatal(err)
	}
	if push.ActorID != "carol" {
		t.Fatalf("actor = %q", push.ActorID)
	}
	if len(push.Messages) != 3 {
		t.Fatalf("messages = %v, want flattened across changes", push.Messages)
	}

	if _, err := Normalize("bitbucket", cfg, nil, url.Values{}, body); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("err = %v, want bad signature", err)
	}
}

func TestNormalizeUnknownProvider(t *testing.T) {
	if _, err := Normalize("sourceforge", config.ProviderConfig{}, nil, nil, nil); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("err = %v, want unknown provider", err)
	}
}
