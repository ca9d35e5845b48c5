package api

import (
	"fmt"
	"net/url"
	"strings"

	"merchlink/internal/model"
)

var derivedEvents = map[string]struct{}{
	model.DerivedPaymentCompleted: {},
	model.DerivedPaymentFailed:    {},
	model.DerivedOrderFulfilled:   {},
	model.DerivedOrderImported:    {},
	model.DerivedInventoryChanged: {},
	model.DerivedShipmentProgress: {},
	model.DerivedRefundRecorded:   {},
}

func validateSubscription(req model.SubscriptionRequest) error {
	if strings.TrimSpace(req.URL) == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("url must be absolute http or https")
	}
	if len(req.Events) == 0 {
		return fmt.Errorf("events is required")
	}
	for _, e := range req.Events {
		if _, ok := derivedEvents[e]; !ok {
			return fmt.Errorf("unknown event %q", e)
		}
	}
	return nil
}

func validateConnect(p model.Provider, req model.ConnectRequest) error {
	if p.Settings.AuthType == model.AuthOAuth {
		return fmt.Errorf("%s uses OAuth; start at /v1/oauth/%s/authorize", p.Name, strings.ToLower(p.Name))
	}
	if len(req.Credentials) == 0 {
		return fmt.Errorf("credentials are required")
	}
	switch p.Settings.AuthType {
	case model.AuthBearer:
		if req.Credentials["token"] == "" {
			return fmt.Errorf("credential %q is required", "token")
		}
	case model.AuthBasic:
		if req.Credentials["username"] == "" || req.Credentials["password"] == "" {
			return fmt.Errorf("credentials %q and %q are required", "username", "password")
		}
	case model.AuthAPIKey:
		if req.Credentials["api_key"] == "" {
			return fmt.Errorf("credential %q is required", "api_key")
		}
	}
	return nil
}
