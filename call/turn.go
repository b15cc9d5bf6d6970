package call

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
)

// FallbackStunServer is used whenever TURN credential resolution fails.
// Calls negotiated through it cannot relay, but direct and
// server-reflexive candidates still work.
var FallbackStunServer = IceServer{URLs: []string{"stun:stun1.l.google.com:19302"}}

// ParseTurnServerAttributes normalizes one TURN server entry as returned
// by the account service. The "urls" attribute may be a single string or
// a list; username and credential are optional.
func ParseTurnServerAttributes(attributes map[string]interface{}) (IceServer, error) {
	server := IceServer{}
	if username, ok := attributes["username"].(string); ok {
		server.Username = username
	}
	if credential, ok := attributes["credential"].(string); ok {
		server.Credential = credential
	}

	switch urls := attributes["urls"].(type) {
	case string:
		server.URLs = []string{urls}
	case []string:
		server.URLs = urls
	case []interface{}:
		for _, u := range urls {
			s, ok := u.(string)
			if !ok {
				return IceServer{}, errors.New("turn server urls entry is not a string")
			}
			server.URLs = append(server.URLs, s)
		}
	default:
		return IceServer{}, errors.New("turn server attributes missing urls")
	}

	if len(server.URLs) == 0 {
		return IceServer{}, errors.New("turn server attributes have empty urls")
	}
	return server, nil
}

// ParseTurnServers normalizes an account-service TURN server list.
// Malformed entries are logged and skipped; one bad entry must not take
// down the whole configuration.
func ParseTurnServers(entries []map[string]interface{}) []IceServer {
	servers := make([]IceServer, 0, len(entries))
	for i, attributes := range entries {
		server, err := ParseTurnServerAttributes(attributes)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "ParseTurnServers",
				"index":    i,
				"error":    err.Error(),
			}).Warn("Skipping malformed TURN server entry")
			continue
		}
		servers = append(servers, server)
	}
	return servers
}

// TurnServerSource adapts a raw attribute fetch from the account service
// into an IceServerProvider. The coordinator's own fallback handles an
// all-malformed (empty) result.
type TurnServerSource struct {
	// Fetch returns the raw TURN server attribute list.
	Fetch func(ctx context.Context) ([]map[string]interface{}, error)
}

// GetIceServers fetches and normalizes the server list.
func (t TurnServerSource) GetIceServers(ctx context.Context) ([]IceServer, error) {
	entries, err := t.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	return ParseTurnServers(entries), nil
}
