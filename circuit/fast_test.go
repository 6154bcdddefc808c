package circuit

import "testing"

func TestCreateFastRoundTrip(t *testing.T) {
	client, createPayload, err := BuildCreateFast()
	if err != nil {
		t.Fatalf("build create_fast: %v", err)
	}
	if len(createPayload) != FastHandshakeLen {
		t.Fatalf("create_fast payload len = %d, want %d", len(createPayload), FastHandshakeLen)
	}

	createdPayload, serverKM, err := ServerHandshakeFast(createPayload)
	if err != nil {
		t.Fatalf("server handshake: %v", err)
	}
	if len(createdPayload) != FastCreatedLen {
		t.Fatalf("created_fast payload len = %d, want %d", len(createdPayload), FastCreatedLen)
	}

	clientKM, err := client.Complete(createdPayload)
	if err != nil {
		t.Fatalf("client complete: %v", err)
	}
	if clientKM.Kf != serverKM.Kf || clientKM.Kb != serverKM.Kb {
		t.Fatal("client/server derived different forward/backward keys")
	}
	if clientKM.Df != serverKM.Df || clientKM.Db != serverKM.Db {
		t.Fatal("client/server derived different digest seeds")
	}
}

func TestCreateFastTamperedTagRejected(t *testing.T) {
	client, createPayload, err := BuildCreateFast()
	if err != nil {
		t.Fatalf("build create_fast: %v", err)
	}
	createdPayload, _, err := ServerHandshakeFast(createPayload)
	if err != nil {
		t.Fatalf("server handshake: %v", err)
	}
	createdPayload[len(createdPayload)-1] ^= 0xFF

	if _, err := client.Complete(createdPayload); err == nil {
		t.Fatal("expected tampered created_fast tag to be rejected")
	}
}

func TestCreateFastWrongLengthRejected(t *testing.T) {
	if _, _, err := ServerHandshakeFast(make([]byte, FastHandshakeLen+1)); err == nil {
		t.Fatal("expected wrong-length create_fast payload to be rejected")
	}
}
