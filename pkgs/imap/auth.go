package imap

import (
	"fmt"

	"github.com/emersion/go-sasl"
)

// newPlainSASLClient wraps go-sasl's PLAIN mechanism.
func newPlainSASLClient(username, password string) sasl.Client {
	return sasl.NewPlainClient("", username, password)
}

// newLoginSASLClient wraps go-sasl's LOGIN mechanism, used by servers that
// only advertise AUTH=LOGIN rather than PLAIN.
func newLoginSASLClient(username, password string) sasl.Client {
	return sasl.NewLoginClient(username, password)
}

// xoauth2Client implements sasl.Client for XOAUTH2 (Google/Microsoft OAuth2
// bridge, not part of the SASL mechanism registry go-sasl ships). The
// initial response is the full "user=...^Aauth=Bearer ...^A^A" blob; any
// challenge received afterward is a JSON error document that the server
// expects an empty response to acknowledge before it sends the final
// tagged NO (§4.3's "absorb it with an empty response").
type xoauth2Client struct {
	username, token string
	started         bool
}

// newXOAuth2Client builds the XOAUTH2 SASL client for username using an
// OAuth2 bearer access token.
func newXOAuth2Client(username, accessToken string) sasl.Client {
	return &xoauth2Client{username: username, token: accessToken}
}

func (c *xoauth2Client) Start() (mech string, ir []byte, err error) {
	c.started = true
	ir = []byte(fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", c.username, c.token))
	return "XOAUTH2", ir, nil
}

// Next responds to the server's JSON error challenge, if any, with an empty
// continuation so the server proceeds to its final tagged failure.
func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	return []byte{}, nil
}
