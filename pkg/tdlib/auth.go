package tdlib

import (
	"context"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// Parameters configures the TDLib instance created on login.
type Parameters struct {
	APIID                 int32
	APIHash               string
	PhoneNumber           string
	DatabaseDirectory     string
	FilesDirectory        string
	DatabaseEncryptionKey string
	UseTestDC             bool
	SystemLanguageCode    string
	DeviceModel           string
	ApplicationVersion    string
	Proxy                 *Proxy
}

// Proxy is an optional proxy added and enabled during login.
type Proxy struct {
	Server string
	Port   int32
	// Type is one of "socks5", "http" or "mtproto".
	Type     string
	Username string
	Password string
	// Secret is only used by MTProto proxies.
	Secret string
}

func (p *Proxy) typeObject() (Object, error) {
	switch p.Type {
	case "socks5", "proxyTypeSocks5":
		return Object{"@type": "proxyTypeSocks5", "username": p.Username, "password": p.Password}, nil
	case "http", "proxyTypeHttp":
		return Object{"@type": "proxyTypeHttp", "username": p.Username, "password": p.Password, "http_only": false}, nil
	case "mtproto", "proxyTypeMtproto":
		return Object{"@type": "proxyTypeMtproto", "secret": p.Secret}, nil
	default:
		return nil, fmt.Errorf("unknown proxy type %q", p.Type)
	}
}

// Authorizer supplies interactive login input.
type Authorizer interface {
	PhoneNumber(ctx context.Context) (string, error)
	Code(ctx context.Context) (string, error)
	Password(ctx context.Context, hint string) (string, error)
}

// maxAuthAttempts bounds how often a rejected code or password is re-prompted.
const maxAuthAttempts = 3

// Login drives the authorization state machine until the client is ready.
func (c *Client) Login(ctx context.Context, params Parameters, auth Authorizer) error {
	states := make(chan []byte, 16)
	remove := c.AddUpdateHandler("updateAuthorizationState", func(data []byte) {
		select {
		case states <- data:
		default:
			c.log.Warn().Msg("Authorization state buffer full, dropping update")
		}
	})
	defer remove()

	// The first request creates the TDLib instance.
	var initial struct {
		Type string `json:"@type"`
	}
	if err := c.Call(ctx, Object{"@type": "getAuthorizationState"}, &initial); err != nil {
		return fmt.Errorf("failed to get authorization state: %w", err)
	}
	state, hint := initial.Type, ""
	attempts := 0
	for {
		c.log.Debug().Str("state", state).Msg("Authorization state")
		var err error
		switch state {
		case "authorizationStateWaitTdlibParameters":
			err = c.setParameters(ctx, params)
		case "authorizationStateWaitPhoneNumber":
			phone := params.PhoneNumber
			if phone == "" {
				if phone, err = auth.PhoneNumber(ctx); err != nil {
					return err
				}
			}
			err = c.Call(ctx, Object{"@type": "setAuthenticationPhoneNumber", "phone_number": phone}, nil)
		case "authorizationStateWaitCode":
			var code string
			if code, err = auth.Code(ctx); err != nil {
				return err
			}
			err = c.Call(ctx, Object{"@type": "checkAuthenticationCode", "code": code}, nil)
		case "authorizationStateWaitPassword":
			var password string
			if password, err = auth.Password(ctx, hint); err != nil {
				return err
			}
			err = c.Call(ctx, Object{"@type": "checkAuthenticationPassword", "password": password}, nil)
		case "authorizationStateReady":
			c.log.Info().Msg("Logged in to Telegram")
			return nil
		case "authorizationStateLoggingOut", "authorizationStateClosing", "authorizationStateClosed":
			return ErrClosed
		default:
			return fmt.Errorf("unsupported authorization state %s", state)
		}
		if err != nil {
			var tdErr *Error
			if errors.As(err, &tdErr) && tdErr.Code == 400 && attempts < maxAuthAttempts {
				attempts++
				c.log.Warn().Err(err).Str("state", state).Msg("Authorization step rejected, retrying")
				continue
			}
			return fmt.Errorf("authorization failed in %s: %w", state, err)
		}
		attempts = 0
		if state, hint, err = c.nextAuthState(ctx, states, state); err != nil {
			return err
		}
	}
}

// nextAuthState waits for an authorization state different from current.
// The update for the state that was already handled may still be queued.
func (c *Client) nextAuthState(ctx context.Context, states <-chan []byte, current string) (state, hint string, err error) {
	for {
		select {
		case data := <-states:
			state = gjson.GetBytes(data, "authorization_state.@type").Str
			if state == current {
				continue
			}
			return state, gjson.GetBytes(data, "authorization_state.password_hint").Str, nil
		case <-ctx.Done():
			return "", "", ctx.Err()
		case <-c.done:
			return "", "", ErrClosed
		}
	}
}

func (c *Client) setParameters(ctx context.Context, params Parameters) error {
	req := Object{
		"@type":                   "setTdlibParameters",
		"use_test_dc":             params.UseTestDC,
		"database_directory":      params.DatabaseDirectory,
		"files_directory":         params.FilesDirectory,
		"database_encryption_key": []byte(params.DatabaseEncryptionKey),
		"use_file_database":       true,
		"use_chat_info_database":  true,
		"use_message_database":    true,
		"use_secret_chats":        false,
		"api_id":                  params.APIID,
		"api_hash":                params.APIHash,
		"system_language_code":    orDefault(params.SystemLanguageCode, "en"),
		"device_model":            orDefault(params.DeviceModel, "tgmirror"),
		"system_version":          "",
		"application_version":     orDefault(params.ApplicationVersion, "0.1.0"),
	}
	if err := c.Call(ctx, req, nil); err != nil {
		return err
	}
	if params.Proxy == nil || params.Proxy.Server == "" {
		return nil
	}
	proxyType, err := params.Proxy.typeObject()
	if err != nil {
		return err
	}
	err = c.Call(ctx, Object{
		"@type":  "addProxy",
		"server": params.Proxy.Server,
		"port":   params.Proxy.Port,
		"enable": true,
		"type":   proxyType,
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to add proxy: %w", err)
	}
	c.log.Info().Str("server", params.Proxy.Server).Str("type", params.Proxy.Type).Msg("Enabled proxy")
	return nil
}

func orDefault(value, def string) string {
	if value == "" {
		return def
	}
	return value
}
