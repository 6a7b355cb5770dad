package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"

	"github.com/GolfredoPerezFernandez/remix-daioff/internal/store"
	"golang.org/x/sync/singleflight"
)

// RunConfiguration binds one run to an assistant, its model parameters and a knowledge store.
type RunConfiguration struct {
	AssistantID      string
	Model            string
	Temperature      *float32
	TopP             *float32
	KnowledgeStoreID string
	Instructions     string
}

// Selection carries the client's optional topic and knowledge-store choice.
type Selection struct {
	Topic          string
	KnowledgeStore string
}

// AssistantSelector decides which assistant answers a turn.
type AssistantSelector interface {
	Select(ctx context.Context, user *store.User, sel Selection) (RunConfiguration, error)
}

// knowledgeStores is the set of store ids a client may ask for.
type knowledgeStores []string

func (k knowledgeStores) resolve(requested, fallback string) (string, error) {
	if requested == "" {
		return fallback, nil
	}
	if requested == fallback || slices.Contains(k, requested) {
		return requested, nil
	}
	return "", &ValidationError{Field: "vectorID", Reason: fmt.Sprintf("unknown knowledge store %q", requested)}
}

// SharedSelector sends every turn to one fixed assistant.
type SharedSelector struct {
	assistantID    string
	knowledgeStore string
	allowed        knowledgeStores
}

func NewSharedSelector(assistantID, knowledgeStoreID string, allowed []string) *SharedSelector {
	return &SharedSelector{assistantID: assistantID, knowledgeStore: knowledgeStoreID, allowed: allowed}
}

func (s *SharedSelector) Select(_ context.Context, _ *store.User, sel Selection) (RunConfiguration, error) {
	storeID, err := s.allowed.resolve(sel.KnowledgeStore, s.knowledgeStore)
	if err != nil {
		return RunConfiguration{}, err
	}
	return RunConfiguration{AssistantID: s.assistantID, KnowledgeStoreID: storeID}, nil
}

// PerUserSelector gives each user their own assistant, created on first use and
// remembered on the user record.
type PerUserSelector struct {
	store          UserStore
	api            AssistantAPI
	model          string
	knowledgeStore string
	allowed        knowledgeStores
	temperature    float32
	topP           float32
	group          singleflight.Group
	metrics        *Metrics
}

func NewPerUserSelector(s UserStore, api AssistantAPI, model, knowledgeStoreID string, allowed []string, metrics *Metrics) *PerUserSelector {
	return &PerUserSelector{
		store:          s,
		api:            api,
		model:          model,
		knowledgeStore: knowledgeStoreID,
		allowed:        allowed,
		temperature:    1,
		topP:           1,
		metrics:        metrics,
	}
}

func (s *PerUserSelector) Select(ctx context.Context, user *store.User, sel Selection) (RunConfiguration, error) {
	storeID, err := s.allowed.resolve(sel.KnowledgeStore, s.knowledgeStore)
	if err != nil {
		return RunConfiguration{}, err
	}

	assistantID := ""
	if user.AssistantID != nil {
		assistantID = *user.AssistantID
	}
	if assistantID == "" {
		assistantID, _, err = joinFlight(ctx, &s.group, strconv.FormatInt(user.ID, 10), func(ctx context.Context) (string, error) {
			return s.createAssistant(ctx, user.ID)
		})
		if err != nil {
			return RunConfiguration{}, err
		}
	}

	temperature, topP := s.temperature, s.topP
	return RunConfiguration{
		AssistantID:      assistantID,
		Model:            s.model,
		Temperature:      &temperature,
		TopP:             &topP,
		KnowledgeStoreID: storeID,
	}, nil
}

func (s *PerUserSelector) createAssistant(ctx context.Context, userID int64) (string, error) {
	temperature, topP := s.temperature, s.topP
	id, err := s.api.CreateAssistant(ctx, AssistantSpec{
		Name:             assistantName,
		Instructions:     Persona,
		Model:            s.model,
		Temperature:      &temperature,
		TopP:             &topP,
		KnowledgeStoreID: s.knowledgeStore,
	})
	if err != nil {
		return "", upstream("create assistant", err)
	}
	if err := s.store.SetAssistantID(ctx, userID, id); err != nil {
		return "", fmt.Errorf("failed to persist assistant %s for user %d: %w", id, userID, err)
	}
	s.metrics.assistantCreated()
	slog.Info("Created assistant", "user_id", userID, "assistant_id", id)
	return id, nil
}

// Expert is one topic specialist.
type Expert struct {
	Label       string `json:"label"`
	AssistantID string `json:"assistant_id"`
}

// ExpertTable maps topics to specialist assistants and autonomous communities to the
// knowledge store holding their collective agreements.
type ExpertTable struct {
	DefaultTopic          string            `json:"default_topic"`
	AgreementsTopic       string            `json:"agreements_topic"`
	DefaultKnowledgeStore string            `json:"default_knowledge_store"`
	Experts               map[string]Expert `json:"experts"`
	CommunityStores       map[string]string `json:"community_stores"`
}

// DefaultExpertTable is the built-in topic and region table.
func DefaultExpertTable() ExpertTable {
	return ExpertTable{
		DefaultTopic:          "convenios",
		AgreementsTopic:       "convenios",
		DefaultKnowledgeStore: "vs_ESSFTv5fLrkhlceR9srzKVI3",
		Experts: map[string]Expert{
			"seguridadSocial":            {Label: "Seguridad Social", AssistantID: "asst_TQVFirGoqMQIvaAjHgZDqDPK"},
			"trabajoAutonomo":            {Label: "Trabajo Autónomo", AssistantID: "asst_APiNNWRn8V9Rl6GS4UJCujna"},
			"convenios":                  {Label: "Convenios", AssistantID: "asst_DoBIPo3N64BoPC63Ms6TNaU2"},
			"jubilacion":                 {Label: "Jubilación", AssistantID: "asst_L20k2Jv4k6OEtHW3n5EyckRb"},
			"salarios":                   {Label: "Salarios", AssistantID: "asst_chEufrNqQdRMxXaZteXTuzb6"},
			"deberesDerechos":            {Label: "Derechos y Deberes", AssistantID: "asst_Wr2AjzojUjhRRSKHgcvV5q4i"},
			"constitucionEspanola":       {Label: "Constitución Española", AssistantID: "asst_2sWQtH5LsP0pNloixbWIxxRA"},
			"suspensionesDespidos":       {Label: "Suspensiones y Despidos", AssistantID: "asst_UVEVnc4duCVpoGq0pp3V2kG7"},
			"derechoTributario":          {Label: "Derecho Tributario", AssistantID: "asst_kLPnMxHhKxYkh2zAGuly10GL"},
			"representacionTrabajadores": {Label: "Representación de Trabajadores", AssistantID: "asst_8pQq8XTbKv7LURqXqmvCFEDB"},
		},
		CommunityStores: map[string]string{
			"La Rioja":             "vs_qrUs690uDfjvCUobt7sq2ebg",
			"Canarias":             "vs_epziJroUC8KeP2KAR7DglcP0",
			"Comunidad Valenciana": "vs_UdX9eRcu7ugzZMzMBqICDUfR",
			"Islas Baleares":       "vs_ODXtxEZ5A3hOxpuQRjTnt0po",
			"Cantabria":            "vs_mIjY5Z4U6jBE5V1k9t9Q9mBR",
			"Castilla La Mancha":   "vs_VgQFQ2ioUtLcpuy7h5ZfUI3Q",
		},
	}
}

// LoadExpertTable reads a JSON expert table. Missing fields keep their built-in values.
func LoadExpertTable(path string) (ExpertTable, error) {
	table := DefaultExpertTable()
	if path == "" {
		return table, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return ExpertTable{}, fmt.Errorf("failed to read experts file: %w", err)
	}
	var override ExpertTable
	if err := json.Unmarshal(raw, &override); err != nil {
		return ExpertTable{}, fmt.Errorf("failed to parse experts file %s: %w", path, err)
	}

	if override.DefaultTopic != "" {
		table.DefaultTopic = override.DefaultTopic
	}
	if override.AgreementsTopic != "" {
		table.AgreementsTopic = override.AgreementsTopic
	}
	if override.DefaultKnowledgeStore != "" {
		table.DefaultKnowledgeStore = override.DefaultKnowledgeStore
	}
	if len(override.Experts) > 0 {
		table.Experts = override.Experts
	}
	if len(override.CommunityStores) > 0 {
		table.CommunityStores = override.CommunityStores
	}
	if _, ok := table.Experts[table.DefaultTopic]; !ok {
		return ExpertTable{}, fmt.Errorf("experts file %s: default topic %q has no expert", path, table.DefaultTopic)
	}
	return table, nil
}

// KnowledgeStores lists every store id the table can bind.
func (t ExpertTable) KnowledgeStores() []string {
	stores := []string{t.DefaultKnowledgeStore}
	for _, id := range t.CommunityStores {
		if !slices.Contains(stores, id) {
			stores = append(stores, id)
		}
	}
	slices.Sort(stores)
	return stores
}

// ExpertSelector routes a turn to the topic specialist the user picked. For the
// collective-agreements topic the knowledge store follows the user's community.
type ExpertSelector struct {
	table   ExpertTable
	allowed knowledgeStores
}

func NewExpertSelector(table ExpertTable) *ExpertSelector {
	return &ExpertSelector{table: table, allowed: table.KnowledgeStores()}
}

func (s *ExpertSelector) Select(_ context.Context, user *store.User, sel Selection) (RunConfiguration, error) {
	topic, expert, err := s.expertFor(sel.Topic)
	if err != nil {
		return RunConfiguration{}, err
	}

	storeID, err := s.allowed.resolve(sel.KnowledgeStore, s.storeFor(topic, user))
	if err != nil {
		return RunConfiguration{}, err
	}
	return RunConfiguration{AssistantID: expert.AssistantID, KnowledgeStoreID: storeID}, nil
}

// expertFor accepts a topic key or the id of one of the table's assistants.
func (s *ExpertSelector) expertFor(selector string) (string, Expert, error) {
	if selector == "" {
		selector = s.table.DefaultTopic
	}
	if e, ok := s.table.Experts[selector]; ok {
		return selector, e, nil
	}
	for topic, e := range s.table.Experts {
		if e.AssistantID == selector {
			return topic, e, nil
		}
	}
	return "", Expert{}, &ValidationError{Field: "assistantID", Reason: fmt.Sprintf("unknown expert %q", selector)}
}

func (s *ExpertSelector) storeFor(topic string, user *store.User) string {
	if topic == s.table.AgreementsTopic && user != nil {
		if id, ok := s.table.CommunityStores[user.Community]; ok {
			return id
		}
	}
	return s.table.DefaultKnowledgeStore
}
