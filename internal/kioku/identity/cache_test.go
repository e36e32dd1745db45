package identity

import "testing"

func TestCache_SeparateTables(t *testing.T) {
	c, err := NewCache(0)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	defer c.Close()

	c.setBridgingKey("live:1", userEntry{BridgingKey: "discord:1"})
	c.setPersona("discord:1", personaEntry{PersonaID: "p1", Found: true})

	if e, ok := c.bridgingKey("live:1"); !ok || e.BridgingKey != "discord:1" {
		t.Errorf("bridgingKey: got %+v ok=%v", e, ok)
	}
	if e, ok := c.persona("discord:1"); !ok || e.PersonaID != "p1" {
		t.Errorf("persona: got %+v ok=%v", e, ok)
	}
	if _, ok := c.persona("live:1"); ok {
		t.Error("user key leaked into the persona table")
	}
	if _, ok := c.bridgingKey("discord:1"); ok {
		t.Error("bridging key leaked into the user table")
	}
}
