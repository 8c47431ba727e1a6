package hooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"changeline/internal/config"
)

// Push is the provider-agnostic shape of one inbound push: who acted
// and the raw commit messages to parse. Provider payload differences
// stop here; nothing downstream knows which provider delivered it.
type Push struct {
	Provider string
	ActorID  string
	Messages []string
}

var (
	ErrUnknownProvider = errors.New("unknown webhook provider")
	ErrBadSignature    = errors.New("webhook signature verification failed")
)

// Normalize authenticates and decodes a provider payload. The committer
// account is mapped to a known actor through the provider config; an
// unmapped committer acts as the generic system actor for the provider.
func Normalize(provider string, cfg config.ProviderConfig, header http.Header, query url.Values, body []byte) (Push, error) {
	switch provider {
	case "github":
		return normalizeGitHub(cfg, header, body)
	case "gitlab":
		return normalizeGitLab(cfg, header, body)
	case "bitbucket":
		return normalizeBitbucket(cfg, query, body)
	default:
		return Push{}, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
}

// SystemActor is the generic actor identity for a provider.
func SystemActor(provider string) string {
	return "system:webhook:" + provider
}

func mapActor(cfg config.ProviderConfig, provider, account string) string {
	if account != "" {
		if actor, ok := cfg.Users[account]; ok {
			return actor
		}
	}
	return SystemActor(provider)
}

func normalizeGitHub(cfg config.ProviderConfig, header http.Header, body []byte) (Push, error) {
	if cfg.Secret != "" {
		sig := header.Get("X-Hub-Signature-256")
		if !verifyHMAC(cfg.Secret, body, sig) {
			return Push{}, ErrBadSignature
		}
	}
	var payload struct {
		Pusher struct {
			Name string `json:"name"`
		} `json:"pusher"`
		Commits []struct {
			Message string `json:"message"`
			Author  struct {
				Username string `json:"username"`
			} `json:"author"`
		} `json:"commits"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return Push{}, fmt.Errorf("decode github payload: %w", err)
	}
	push := Push{Provider: "github", ActorID: mapActor(cfg, "github", payload.Pusher.Name)}
	for _, c := range payload.Commits {
		if c.Message != "" {
			push.Messages = append(push.Messages, c.Message)
		}
	}
	return push, nil
}

func verifyHMAC(secret string, body []byte, sig string) bool {
	sig = strings.TrimPrefix(sig, "sha256=")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(sig))
}

func normalizeGitLab(cfg config.ProviderConfig, header http.Header, body []byte) (Push, error) {
	if cfg.Secret != "" && header.Get("X-Gitlab-Token") != cfg.Secret {
		return Push{}, ErrBadSignature
	}
	var payload struct {
		UserUsername string `json:"user_username"`
		Commits      []struct {
			Message string `json:"message"`
		} `json:"commits"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return Push{}, fmt.Errorf("decode gitlab payload: %w", err)
	}
	push := Push{Provider: "gitlab", ActorID: mapActor(cfg, "gitlab", payload.UserUsername)}
	for _, c := range payload.Commits {
		if c.Message != "" {
			push.Messages = append(push.Messages, c.Message)
		}
	}
	return push, nil
}

func normalizeBitbucket(cfg config.ProviderConfig, query url.Values, body []byte) (Push, error) {
	if cfg.Secret != "" && query.Get("key") != cfg.Secret {
		return Push{}, ErrBadSignature
	}
	var payload struct {
		Actor struct {
			Nickname string `json:"nickname"`
			Username string `json:"username"`
		} `json:"actor"`
		Push struct {
			Changes []struct {
				Commits []struct {
					Message string `json:"message"`
				} `json:"commits"`
			} `json:"changes"`
		} `json:"push"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return Push{}, fmt.Errorf("decode bitbucket payload: %w", err)
	}
	account := payload.Actor.Nickname
	if account == "" {
		account = payload.Actor.Username
	}
	push := Push{Provider: "bitbucket", ActorID: mapActor(cfg, "bitbucket", account)}
	for _, change := range payload.Push.Changes {
		for _, c := range change.Commits {
			if c.Message != "" {
				push.Messages = append(push.Messages, c.Message)
			}
		}
	}
	return push, nil
}
