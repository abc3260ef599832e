// Copyright 2024-2026 Aiku AI

package bridge

import (
	"fmt"

	"maunium.net/go/mautrix/appservice"
)

// RegistrationID returns the appservice ID registered for appID.
func RegistrationID(appID string) string {
	return appID + "-bridge"
}

// BuildRegistration builds the appservice registration for appID. The bot
// claims the exclusive user namespace @<appID>_.* and the exclusive room
// namespace #<appID>_.* on the homeserver domain. The alias list is empty.
func BuildRegistration(appID string, cfg *BridgeConfig) *appservice.Registration {
	domain := cfg.Homeserver.Domain
	reg := &appservice.Registration{
		ID:              RegistrationID(appID),
		URL:             cfg.Bridge.URL,
		AppToken:        cfg.Tokens.AppService,
		ServerToken:     cfg.Tokens.Homeserver,
		SenderLocalpart: appID,
		RateLimited:     new(bool),
	}
	reg.Namespaces.UserIDs = []appservice.Namespace{{
		Regex:     fmt.Sprintf("@%s_.*:%s", appID, domain),
		Exclusive: true,
	}}
	reg.Namespaces.RoomIDs = []appservice.Namespace{{
		Regex:     fmt.Sprintf("#%s_.*:%s", appID, domain),
		Exclusive: true,
	}}
	reg.Namespaces.RoomAliases = []appservice.Namespace{}
	return reg
}
