package action

import (
	"context"
	"strings"
	"testing"

	"github.com/nugget/concierge/internal/catalog"
	"github.com/nugget/concierge/internal/conversation"
)

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.New([]catalog.Specialist{{
		ID:               "nftclient",
		Server:           "story",
		SafeActions:      []string{"get_spg_nft_contract_minting_fee_and_token"},
		SensitiveActions: []string{"create_spg_nft_collection"},
		ContextUpdates: map[string]map[string]string{
			"create_spg_nft_collection": {"spg_nft_contract": "contract"},
		},
	}})
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}
	return c
}

func TestExecute_Success(t *testing.T) {
	var got Call
	var convID string
	inv := Func(func(ctx context.Context, call Call) Result {
		got = call
		convID = ConversationID(ctx)
		return Result{OK: true, Output: `{"contract":"0xc0ffee"}`, Data: map[string]any{"contract": "0xc0ffee"}}
	})

	st := conversation.New("conv-x", nil)
	p := &conversation.Proposal{ID: "p-1", SpecialistID: "nftclient", Action: "create_spg_nft_collection", Arguments: map[string]any{"name": "Art"}}

	e := Execute(context.Background(), inv, testCatalog(t), st, p)

	if p.Status != conversation.StatusExecuted {
		t.Errorf("Status = %s", p.Status)
	}
	if e.Kind != conversation.KindResult || e.CallID != "p-1" || e.Status != conversation.StatusExecuted {
		t.Errorf("entry = %+v", e)
	}
	if got.Server != "story" || got.ID != "p-1" || convID != "conv-x" {
		t.Errorf("call = %+v, conversation %q", got, convID)
	}
	if st.Context["spg_nft_contract"] != "0xc0ffee" {
		t.Errorf("context = %v", st.Context)
	}
}

func TestExecute_Failure(t *testing.T) {
	inv := Func(func(context.Context, Call) Result { return Failure("gas estimation failed") })
	st := conversation.New("conv-x", nil)
	p := &conversation.Proposal{ID: "p-2", SpecialistID: "nftclient", Action: "create_spg_nft_collection"}

	e := Execute(context.Background(), inv, testCatalog(t), st, p)

	if p.Status != conversation.StatusFailed || e.Status != conversation.StatusFailed {
		t.Errorf("status = %s / %s", p.Status, e.Status)
	}
	if !strings.Contains(e.Content, "gas estimation failed") {
		t.Errorf("content = %q", e.Content)
	}
	if _, ok := st.Context["spg_nft_contract"]; ok {
		t.Error("context updated from a failed action")
	}
}
