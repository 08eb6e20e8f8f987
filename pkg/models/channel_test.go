package models

import (
	"testing"
	"time"
)

func TestChannelDeletable(t *testing.T) {
	cases := []struct {
		state ChannelState
		want  bool
	}{
		{ChannelStateUnconnected, true},
		{ChannelStateConfigurationPending, true},
		{ChannelStateSuspended, true},
		{ChannelStateAuthorizationPending, false},
		{ChannelStateActive, false},
	}
	for _, tc := range cases {
		ch := &Channel{State: tc.state}
		if got := ch.Deletable(); got != tc.want {
			t.Errorf("Deletable() in state %s = %v, want %v", tc.state, got, tc.want)
		}
	}
}

func TestCredentialExpiresWithin(t *testing.T) {
	var nilCred *Credential
	if nilCred.ExpiresWithin(time.Minute) {
		t.Fatalf("nil credential should not report expiry")
	}

	cred := &Credential{AccessToken: "tok"}
	if cred.ExpiresWithin(time.Hour) {
		t.Fatalf("zero expiry should mean non-expiring")
	}

	cred.Expiry = time.Now().Add(2 * time.Minute)
	if !cred.ExpiresWithin(5 * time.Minute) {
		t.Fatalf("token expiring in 2m should be within 5m window")
	}
	if cred.ExpiresWithin(time.Minute) {
		t.Fatalf("token expiring in 2m should not be within 1m window")
	}
}

func TestIntegrationUsable(t *testing.T) {
	var nilIntegration *OrgIntegration
	if nilIntegration.Usable() {
		t.Fatalf("nil integration should not be usable")
	}
	i := &OrgIntegration{Verified: true}
	if i.Usable() {
		t.Fatalf("inactive integration should not be usable")
	}
	i.Active = true
	if !i.Usable() {
		t.Fatalf("verified and active integration should be usable")
	}
}
