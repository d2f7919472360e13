/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"sms-rental-ledger/internal/models"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

// HTTPClient talks to a provider exposing the generic JSON order API:
//
//	POST /orders              create an order
//	GET  /orders/{id}         order status
//	POST /orders/{id}/cancel  cancel an order
type HTTPClient struct {
	name    string
	baseURL string
	apiKey  string
	client  http.Client
}

func NewHTTPClient(cfg models.ProviderConfig) (*HTTPClient, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("provider name is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil || cfg.BaseURL == "" {
		return nil, fmt.Errorf("provider %s: invalid base url %q", cfg.Name, cfg.BaseURL)
	}

	httpClient, err := createCustomHttpClient()
	if err != nil {
		return nil, fmt.Errorf("unable to create custom http client: %w", err)
	}

	var apiKey string
	if cfg.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.APIKeyEnv)
		if apiKey == "" {
			zap.L().Warn("Provider API key env var is empty",
				zap.String("provider", cfg.Name),
				zap.String("env", cfg.APIKeyEnv))
		}
	}

	return &HTTPClient{
		name:    cfg.Name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  apiKey,
		client:  httpClient,
	}, nil
}

func createCustomHttpClient() (http.Client, error) {
	tr := &http.Transport{
		ResponseHeaderTimeout: 30 * time.Second,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: 30 * time.Second,
			Timeout:   15 * time.Second,
		}).DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConnsPerHost:   5,
		ExpectContinueTimeout: 5 * time.Second,
	}

	if err := http2.ConfigureTransport(tr); err != nil {
		return http.Client{}, err
	}

	return http.Client{
		Transport: tr,
		Timeout:   30 * time.Second,
	}, nil
}

func (c *HTTPClient) Name() string {
	return c.name
}

type createOrderBody struct {
	ReservationId string `json:"reservation_id"`
	Kind          string `json:"kind"`
	Service       string `json:"service"`
	Country       string `json:"country"`
	MaxPrice      string `json:"max_price"`
	DurationSecs  int64  `json:"duration_seconds,omitempty"`
}

func (c *HTTPClient) CreateOrder(ctx context.Context, req models.OrderRequest) (*models.ProviderOrder, error) {
	body := createOrderBody{
		ReservationId: req.ReservationId,
		Kind:          string(req.Kind),
		Service:       req.Service,
		Country:       req.Country,
		MaxPrice:      req.MaxPrice.String(),
		DurationSecs:  int64(req.Duration / time.Second),
	}

	var order models.ProviderOrder
	if err := c.do(ctx, http.MethodPost, "/orders", body, &order); err != nil {
		return nil, fmt.Errorf("unable to create order: %w", err)
	}
	if IsFailureStatus(order.Status) {
		return &order, fmt.Errorf("%w: status %s", ErrOrderRejected, order.Status)
	}

	zap.L().Info("Provider order created",
		zap.String("provider", c.name),
		zap.String("reservation_id", req.ReservationId),
		zap.String("order_id", order.OrderId),
		zap.String("status", order.Status))
	return &order, nil
}

func (c *HTTPClient) GetOrder(ctx context.Context, orderId string) (*models.ProviderOrder, error) {
	var order models.ProviderOrder
	if err := c.do(ctx, http.MethodGet, "/orders/"+url.PathEscape(orderId), nil, &order); err != nil {
		return nil, fmt.Errorf("unable to get order %s: %w", orderId, err)
	}
	if order.OrderId == "" {
		order.OrderId = orderId
	}
	return &order, nil
}

func (c *HTTPClient) CancelOrder(ctx context.Context, orderId string) error {
	if err := c.do(ctx, http.MethodPost, "/orders/"+url.PathEscape(orderId)+"/cancel", nil, nil); err != nil {
		return fmt.Errorf("unable to cancel order %s: %w", orderId, err)
	}
	return nil
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	var reader io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("unable to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("unable to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: reading body: %v", ErrUnavailable, err)
	}

	if resp.StatusCode >= 300 {
		var eb errorBody
		_ = json.Unmarshal(data, &eb)
		msg := eb.Message
		if msg == "" {
			msg = eb.Error
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrOrderNotFound, msg)
		case resp.StatusCode == http.StatusConflict,
			resp.StatusCode == http.StatusUnprocessableEntity,
			resp.StatusCode == http.StatusPaymentRequired,
			resp.StatusCode == http.StatusBadRequest:
			return fmt.Errorf("%w: %s", ErrOrderRejected, msg)
		default:
			return fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, msg)
		}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unable to decode response: %w", err)
	}
	return nil
}
