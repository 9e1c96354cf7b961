package agent

import (
	"fmt"
	"testing"
)

func TestConversation_EvictsOldestFirst(t *testing.T) {
	conv := NewConversation("c1", "d1", 3)
	for i := 0; i < 5; i++ {
		conv.Append(CompletionMessage{Role: RoleUser, Content: fmt.Sprint(i)})
	}
	msgs := conv.Messages()
	if len(msgs) != 3 {
		t.Fatalf("len = %d, want 3", len(msgs))
	}
	for i, want := range []string{"2", "3", "4"} {
		if msgs[i].Content != want {
			t.Errorf("msgs[%d] = %q, want %q", i, msgs[i].Content, want)
		}
	}
}

func TestConversation_Defaults(t *testing.T) {
	conv := NewConversation("", "d1", 0)
	if conv.ID == "" {
		t.Error("id should be generated")
	}
	for i := 0; i < DefaultHistoryLimit+7; i++ {
		conv.Append(CompletionMessage{Role: RoleUser, Content: "x"})
	}
	if conv.Len() != DefaultHistoryLimit {
		t.Errorf("len = %d, want %d", conv.Len(), DefaultHistoryLimit)
	}
}

func TestConversation_MessagesIsACopy(t *testing.T) {
	conv := NewConversation("c", "d", 5)
	conv.Append(CompletionMessage{Role: RoleUser, Content: "a"})
	msgs := conv.Messages()
	msgs[0].Content = "changed"
	if conv.Messages()[0].Content != "a" {
		t.Error("history mutated through returned slice")
	}
}
