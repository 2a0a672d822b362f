package db

import (
	"context"
	"fmt"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/raphaelgruber/intentmix/internal/models"
	"github.com/raphaelgruber/intentmix/internal/store"
)

// Sink writes accepted questions to SurrealDB and loads earlier runs back
// as corpus.
type Sink struct {
	client *Client
}

var (
	_ store.Sink         = (*Sink)(nil)
	_ store.CorpusLoader = (*Sink)(nil)
)

// NewSink wraps a connected client. The schema must already be initialized.
func NewSink(client *Client) *Sink {
	return &Sink{client: client}
}

func (s *Sink) Name() string { return "surrealdb" }

func (s *Sink) Save(ctx context.Context, q models.GeneratedQuestion) error {
	rec, err := s.client.QueryCreateQuestion(ctx, q.ID, models.NewQuestionRecord(q))
	if err != nil {
		return err
	}
	if rec.ID == nil {
		return nil
	}
	id, err := recordKey(*rec.ID)
	if err != nil {
		return err
	}
	if id != q.ID {
		return fmt.Errorf("stored question %s under unexpected id %s", q.ID, id)
	}
	return nil
}

// LoadCorpus returns the questions of every earlier run.
func (s *Sink) LoadCorpus(ctx context.Context) (store.Corpus, error) {
	stored, err := s.client.QueryListQuestions(ctx, "", 0)
	if err != nil {
		return store.Corpus{}, err
	}
	c := store.Corpus{
		Texts:   make([]string, len(stored)),
		Vectors: make([][]float32, len(stored)),
	}
	for i, q := range stored {
		c.Texts[i] = q.Question
		c.Vectors[i] = q.Embedding
	}
	return c, nil
}

// Close closes the client connection.
func (s *Sink) Close() error {
	return s.client.Close(context.Background())
}

// recordKey returns the string key of a record id. Questions are always keyed
// by their uuid, so any other key type is an error.
func recordKey(id surrealmodels.RecordID) (string, error) {
	key, ok := id.ID.(string)
	if !ok {
		return "", fmt.Errorf("%s record has %T key, want string", id.Table, id.ID)
	}
	return key, nil
}
