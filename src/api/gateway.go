package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/hendrywilliam/siren-gateway/src/rest"
	"github.com/hendrywilliam/siren-gateway/src/structs"
)

var (
	ErrEmptyGatewayURL = errors.New("gateway url is empty")
)

// GatewayAPI resolves the websocket endpoint.
// Source: https://discord.com/developers/docs/events/gateway#get-gateway
type GatewayAPI struct {
	rest rest.RESTClient
}

func NewGatewayAPI(rest rest.RESTClient) *GatewayAPI {
	return &GatewayAPI{rest: rest}
}

func (g *GatewayAPI) gatewayRoute() (string, error) {
	return url.JoinPath(g.rest.URL(), "/gateway")
}

// GetGateway does not need authentication.
func (g *GatewayAPI) GetGateway(ctx context.Context) (string, error) {
	route, err := g.gatewayRoute()
	if err != nil {
		return "", err
	}
	res, err := g.rest.Get(ctx, route, nil, &rest.RESTOptions{Unauthenticated: true})
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusOK {
		return "", responseError(res.StatusCode, data)
	}
	gw := &structs.GatewayResponse{}
	if err := json.Unmarshal(data, gw); err != nil {
		return "", err
	}
	if gw.URL == "" {
		return "", ErrEmptyGatewayURL
	}
	return gw.URL, nil
}
