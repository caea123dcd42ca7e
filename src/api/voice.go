package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/hendrywilliam/siren-gateway/src/rest"
	"github.com/hendrywilliam/siren-gateway/src/structs"
)

var (
	ErrNotInVoice = errors.New("user is not connected to voice")
)

type VoiceAPI struct {
	rest rest.RESTClient
}

func NewVoiceAPI(rest rest.RESTClient) *VoiceAPI {
	return &VoiceAPI{
		rest: rest,
	}
}

// Routes
func (v *VoiceAPI) getCurrentUserVoiceStateRoute(guildID string) (string, error) {
	userVoiceStateURL, err := url.JoinPath(v.rest.URL(), fmt.Sprintf("/guilds/%s/voice-states/@me", guildID))
	if err != nil {
		return "", err
	}
	return userVoiceStateURL, nil
}

// GetCurrentUserVoiceState returns ErrNotInVoice when the bot has no voice state in the guild.
func (v *VoiceAPI) GetCurrentUserVoiceState(ctx context.Context, guildID string) (*structs.VoiceState, error) {
	voiceStateURL, err := v.getCurrentUserVoiceStateRoute(guildID)
	if err != nil {
		return nil, err
	}
	return v.fetchVoiceState(ctx, voiceStateURL)
}

func (v *VoiceAPI) fetchVoiceState(ctx context.Context, voiceStateURL string) (*structs.VoiceState, error) {
	res, err := v.rest.Get(ctx, voiceStateURL, nil, nil)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	if res.StatusCode != http.StatusOK {
		return nil, responseError(res.StatusCode, data)
	}
	userVoiceState := &structs.VoiceState{}
	if err := json.Unmarshal(data, userVoiceState); err != nil {
		return nil, err
	}
	return userVoiceState, nil
}

func responseError(status int, body []byte) error {
	httpErr := &structs.ErrorHTTPResponse{}
	if err := json.Unmarshal(body, httpErr); err != nil {
		return fmt.Errorf("unexpected status %d", status)
	}
	if httpErr.Code == structs.HTTPErrorUnknownVoiceState {
		return ErrNotInVoice
	}
	return fmt.Errorf("unexpected status %d: %s (code %d)", status, httpErr.Message, httpErr.Code)
}
