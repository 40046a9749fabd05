package usecase

import (
	"context"
	"errors"
	"testing"

	"conductor/internal/domain"
	"conductor/internal/storage"
)

func newTestOrchestrator(t *testing.T, classifier domain.Classifier, store domain.ChatStorage) *Orchestrator {
	t.Helper()
	orch, err := NewOrchestrator(OrchestratorOptions{
		Classifier: classifier,
		Storage:    store,
	})
	if err != nil {
		t.Fatal(err)
	}
	return orch
}

func TestAddAgentDuplicate(t *testing.T) {
	orch := newTestOrchestrator(t, &stubClassifier{}, storage.NewInMemory())

	if err := orch.AddAgent(newStubAgent("Tech Agent", "r")); err != nil {
		t.Fatal(err)
	}
	// Different display name, same derived id.
	err := orch.AddAgent(newStubAgent("Tech   Agent", "r"))
	if !errors.Is(err, domain.ErrDuplicateAgent) {
		t.Errorf("err = %v, want ErrDuplicateAgent", err)
	}
}

func TestAddAgentRefreshesClassifier(t *testing.T) {
	classifier := &stubClassifier{}
	orch := newTestOrchestrator(t, classifier, storage.NewInMemory())

	if err := orch.AddAgent(newStubAgent("Tech Agent", "r")); err != nil {
		t.Fatal(err)
	}
	if _, ok := classifier.agents["tech-agent"]; !ok {
		t.Error("classifier was not told about the new agent")
	}
}

func TestRouteRequestEndToEnd(t *testing.T) {
	store := storage.NewInMemory()
	tech := newStubAgent("Tech Agent", "restart the router")
	billing := newStubAgent("Billing Agent", "refund issued")
	classifier := &stubClassifier{result: domain.ClassifierResult{SelectedAgent: tech, Confidence: 0.9}}
	orch := newTestOrchestrator(t, classifier, store)
	for _, a := range []domain.Agent{tech, billing} {
		if err := orch.AddAgent(a); err != nil {
			t.Fatal(err)
		}
	}

	resp := orch.RouteRequest(context.Background(), "my wifi is down", "u1", "s1", nil)
	if resp.Streaming {
		t.Fatal("response should not stream")
	}
	if resp.OutputText() != "restart the router" {
		t.Errorf("output = %q", resp.OutputText())
	}
	if resp.Metadata.AgentID != "tech-agent" || resp.Metadata.Confidence != 0.9 {
		t.Errorf("metadata = %+v", resp.Metadata)
	}
	if resp.SaveError != nil {
		t.Errorf("SaveError = %v", resp.SaveError)
	}

	// Both turns persisted under the selected agent.
	history, err := store.FetchChat(context.Background(), "u1", "s1", "tech-agent", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("history len = %d, want 2", len(history))
	}
	if history[0].Text() != "my wifi is down" || history[1].Text() != "restart the router" {
		t.Errorf("persisted = %q, %q", history[0].Text(), history[1].Text())
	}

	// Second request routed to the other agent lands in its own history.
	classifier.mu.Lock()
	classifier.result = domain.ClassifierResult{SelectedAgent: billing, Confidence: 0.8}
	classifier.mu.Unlock()
	resp = orch.RouteRequest(context.Background(), "refund please", "u1", "s1", nil)
	if resp.OutputText() != "refund issued" {
		t.Errorf("output = %q", resp.OutputText())
	}

	all, err := store.FetchAllChats(context.Background(), "u1", "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Fatalf("merged len = %d, want 4", len(all))
	}
	if all[1].Text() != "[tech-agent] restart the router" || all[3].Text() != "[billing-agent] refund issued" {
		t.Errorf("merged = %q, %q", all[1].Text(), all[3].Text())
	}
}

func TestRouteRequestClassifierErrorCanned(t *testing.T) {
	classifier := &stubClassifier{err: errors.New("model unreachable")}
	orch := newTestOrchestrator(t, classifier, storage.NewInMemory())

	resp := orch.RouteRequest(context.Background(), "hello", "u1", "s1", nil)
	if resp.OutputText() != defaultClassificationErrorMessage {
		t.Errorf("output = %q, want the canned classification error", resp.OutputText())
	}
	if resp.Metadata.AgentID != "no-agent-selected" {
		t.Errorf("agent id = %q", resp.Metadata.AgentID)
	}
}

func TestRouteRequestNoAgentCanned(t *testing.T) {
	classifier := &stubClassifier{result: domain.ClassifierResult{SelectedAgent: nil, Confidence: 0.4}}
	orch := newTestOrchestrator(t, classifier, storage.NewInMemory())

	resp := orch.RouteRequest(context.Background(), "hello", "u1", "s1", nil)
	if resp.OutputText() != defaultNoAgentMessage {
		t.Errorf("output = %q, want the canned no-agent message", resp.OutputText())
	}
}

func TestRouteRequestDefaultAgentFallback(t *testing.T) {
	fallback := newStubAgent("General Agent", "generic answer")
	classifier := &stubClassifier{result: domain.ClassifierResult{SelectedAgent: nil, Confidence: 0.4}}
	orch, err := NewOrchestrator(OrchestratorOptions{
		Classifier:            classifier,
		Storage:               storage.NewInMemory(),
		UseDefaultAgentOnNone: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := orch.AddAgent(fallback); err != nil {
		t.Fatal(err)
	}
	orch.SetDefaultAgent(fallback)

	resp := orch.RouteRequest(context.Background(), "hello", "u1", "s1", nil)
	if resp.OutputText() != "generic answer" {
		t.Errorf("output = %q", resp.OutputText())
	}
	if resp.Metadata.AgentID != "general-agent" {
		t.Errorf("agent id = %q", resp.Metadata.AgentID)
	}
	// Fallback substitution reports zero confidence, not the classifier's.
	if resp.Metadata.Confidence != 0 {
		t.Errorf("confidence = %v, want 0", resp.Metadata.Confidence)
	}
}

func TestRouteRequestDispatchErrorCanned(t *testing.T) {
	broken := newStubAgent("Broken Agent", "")
	broken.err = errors.New("agent exploded")
	classifier := &stubClassifier{result: domain.ClassifierResult{SelectedAgent: broken, Confidence: 0.9}}
	orch := newTestOrchestrator(t, classifier, storage.NewInMemory())
	if err := orch.AddAgent(broken); err != nil {
		t.Fatal(err)
	}

	resp := orch.RouteRequest(context.Background(), "hello", "u1", "s1", nil)
	if resp.OutputText() != defaultDispatchErrorMessage {
		t.Errorf("output = %q, want the canned dispatch error", resp.OutputText())
	}
}

func TestRouteRequestSaveErrorSurfaced(t *testing.T) {
	agent := newStubAgent("Tech Agent", "answer")
	classifier := &stubClassifier{result: domain.ClassifierResult{SelectedAgent: agent, Confidence: 0.9}}
	store := &failingStorage{ChatStorage: storage.NewInMemory(), failSaves: true}
	orch := newTestOrchestrator(t, classifier, store)
	if err := orch.AddAgent(agent); err != nil {
		t.Fatal(err)
	}

	resp := orch.RouteRequest(context.Background(), "hello", "u1", "s1", nil)
	// The model answer is still returned; only the save is reported broken.
	if resp.OutputText() != "answer" {
		t.Errorf("output = %q", resp.OutputText())
	}
	if !errors.Is(resp.SaveError, domain.ErrStorage) {
		t.Errorf("SaveError = %v, want ErrStorage", resp.SaveError)
	}
}

func TestRouteRequestAgentOptOutSkipsSave(t *testing.T) {
	agent := newStubAgent("Private Agent", "secret answer")
	agent.saveChat = false
	classifier := &stubClassifier{result: domain.ClassifierResult{SelectedAgent: agent, Confidence: 0.9}}
	store := storage.NewInMemory()
	orch := newTestOrchestrator(t, classifier, store)
	if err := orch.AddAgent(agent); err != nil {
		t.Fatal(err)
	}

	resp := orch.RouteRequest(context.Background(), "hello", "u1", "s1", nil)
	if resp.OutputText() != "secret answer" {
		t.Errorf("output = %q", resp.OutputText())
	}
	history, err := store.FetchChat(context.Background(), "u1", "s1", "private-agent", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 0 {
		t.Errorf("history len = %d, want 0 for opted-out agent", len(history))
	}
}

func TestRouteRequestStreaming(t *testing.T) {
	agent := newStubStreamAgent("Stream Agent", "abc")
	classifier := &stubClassifier{result: domain.ClassifierResult{SelectedAgent: agent, Confidence: 0.9}}
	store := storage.NewInMemory()
	orch := newTestOrchestrator(t, classifier, store)
	if err := orch.AddAgent(agent); err != nil {
		t.Fatal(err)
	}

	resp := orch.RouteRequest(context.Background(), "hello", "u1", "s1", nil)
	if !resp.Streaming || resp.Stream == nil {
		t.Fatal("expected a streaming response")
	}

	var text string
	for chunk := range resp.Stream {
		if chunk.Err != nil {
			t.Fatal(chunk.Err)
		}
		if chunk.Done {
			break
		}
		text += chunk.Text
	}
	if text != "abc" {
		t.Errorf("streamed text = %q", text)
	}

	// Only the user turn could be persisted up front.
	history, err := store.FetchChat(context.Background(), "u1", "s1", "stream-agent", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].Role != domain.RoleUser {
		t.Errorf("history = %d messages, want just the user turn", len(history))
	}
}

func TestExecutionTimesRecorded(t *testing.T) {
	agent := newStubAgent("Tech Agent", "answer")
	classifier := &stubClassifier{result: domain.ClassifierResult{SelectedAgent: agent, Confidence: 0.9}}
	orch := newTestOrchestrator(t, classifier, storage.NewInMemory())
	if err := orch.AddAgent(agent); err != nil {
		t.Fatal(err)
	}

	orch.RouteRequest(context.Background(), "hello", "u1", "s1", nil)
	times := orch.ExecutionTimes()
	if _, ok := times["classification"]; !ok {
		t.Error("missing classification timing")
	}
	if _, ok := times["dispatch"]; !ok {
		t.Error("missing dispatch timing")
	}
}

func TestExecutionTimesRecordedOnFailure(t *testing.T) {
	classifier := &stubClassifier{err: errors.New("down")}
	orch := newTestOrchestrator(t, classifier, storage.NewInMemory())

	orch.RouteRequest(context.Background(), "hello", "u1", "s1", nil)
	if _, ok := orch.ExecutionTimes()["classification"]; !ok {
		t.Error("classification timing should be recorded even when it fails")
	}
}
