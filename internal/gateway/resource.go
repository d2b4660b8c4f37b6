package gateway

import (
	"fmt"
	"strings"

	"github.com/capgw/capgw/internal/cap"
)

// natureOfAddress / numberingPlan codes used for media resource addresses.
const (
	noaInternational = 4
	npISDNTelephony  = 1
)

// buildResourceTemplates precomputes one immutable ConnectToResource
// argument per configured media-resource alias. Templates are built once at
// startup and read concurrently by every call afterwards.
func buildResourceTemplates(aliases map[string]string) (map[string]cap.ConnectToResourceArg, error) {
	templates := make(map[string]cap.ConnectToResourceArg, len(aliases))
	for alias, address := range aliases {
		if strings.TrimSpace(address) == "" {
			return nil, fmt.Errorf("resource alias %q has an empty address", alias)
		}
		templates[alias] = cap.ConnectToResourceArg{
			ResourceAddress: cap.CalledPartyNumber{
				Digits:        address,
				NatureOfAddr:  noaInternational,
				NumberingPlan: npISDNTelephony,
			},
		}
	}
	return templates, nil
}

// resourceAlias extracts the user part of a SIP address like
// "<sip:ivr@host:port>" and returns it when it names a configured media
// resource, or "" otherwise.
func resourceAlias(templates map[string]cap.ConnectToResourceArg, to string) string {
	_, rest, ok := strings.Cut(to, "sip:")
	if !ok {
		return ""
	}
	user, _, ok := strings.Cut(rest, "@")
	if !ok {
		return ""
	}
	if _, found := templates[user]; found {
		return user
	}
	return ""
}

// answerSDP is the static session description offered back when the
// application server connects a call to a media resource. The media itself
// terminates on the specialized resource function, not here; the answer
// only needs to complete the offer/answer exchange.
func answerSDP(host string) []byte {
	return []byte("v=0\r\n" +
		"o=capgw 0 0 IN IP4 " + host + "\r\n" +
		"s=-\r\n" +
		"c=IN IP4 " + host + "\r\n" +
		"t=0 0\r\n" +
		"m=audio 4000 RTP/AVP 8 0\r\n" +
		"a=rtpmap:8 PCMA/8000\r\n" +
		"a=rtpmap:0 PCMU/8000\r\n" +
		"a=sendrecv\r\n")
}
