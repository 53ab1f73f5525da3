package relaychat

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

type sentInterrupt struct {
	InteractionID string
	Interrupt     Interrupt
}

// fakeInteractionAPI is an in-memory stand-in for the interaction system.
type fakeInteractionAPI struct {
	mu           sync.Mutex
	nextID       int
	metadata     map[string]*InteractionMetadata
	artifacts    map[string]*Artifact
	interrupts   []sentInterrupt
	missing      map[string]bool
	createErr    error
	artifactErr  error
	metadataErr  error
	interruptErr error
}

func newFakeInteractionAPI() *fakeInteractionAPI {
	return &fakeInteractionAPI{
		metadata:  map[string]*InteractionMetadata{},
		artifacts: map[string]*Artifact{},
		missing:   map[string]bool{},
	}
}

func (f *fakeInteractionAPI) CreateInteraction(ctx context.Context, req CreateInteractionRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextID++
	id := "int-" + strconv.Itoa(f.nextID)
	f.metadata[id] = &InteractionMetadata{InteractionID: id}
	return id, nil
}

func (f *fakeInteractionAPI) GetMetadata(ctx context.Context, interactionID string) (InteractionMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	meta, ok := f.metadata[interactionID]
	if !ok || f.missing[interactionID] {
		return InteractionMetadata{}, fmt.Errorf("%w: %s", ErrInteractionNotFound, interactionID)
	}
	out := *meta
	out.Participants = append([]Participant(nil), meta.Participants...)
	return out, nil
}

func (f *fakeInteractionAPI) UpdateMetadata(ctx context.Context, interactionID string, patch MetadataPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.metadataErr != nil {
		return f.metadataErr
	}
	meta, ok := f.metadata[interactionID]
	if !ok || f.missing[interactionID] {
		return fmt.Errorf("%w: %s", ErrInteractionNotFound, interactionID)
	}
	if patch.LastMessageFrom != "" {
		meta.LastMessageFrom = patch.LastMessageFrom
	}
	if patch.ArtifactID != "" {
		meta.ArtifactID = patch.ArtifactID
	}
	return nil
}

func (f *fakeInteractionAPI) SendInterrupt(ctx context.Context, interactionID string, interrupt Interrupt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing[interactionID] {
		return fmt.Errorf("%w: %s", ErrInteractionNotFound, interactionID)
	}
	if f.interruptErr != nil {
		return f.interruptErr
	}
	if _, ok := f.metadata[interactionID]; !ok {
		return fmt.Errorf("%w: %s", ErrInteractionNotFound, interactionID)
	}
	f.interrupts = append(f.interrupts, sentInterrupt{InteractionID: interactionID, Interrupt: interrupt})
	return nil
}

func (f *fakeInteractionAPI) CreateArtifact(ctx context.Context, interactionID string, req ArtifactRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.artifactErr != nil {
		return "", f.artifactErr
	}
	f.nextID++
	id := "art-" + strconv.Itoa(f.nextID)
	f.artifacts[id] = &Artifact{ID: id}
	return id, nil
}

func (f *fakeInteractionAPI) GetArtifact(ctx context.Context, interactionID, artifactID string) (Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	artifact, ok := f.artifacts[artifactID]
	if !ok {
		return Artifact{}, fmt.Errorf("%w: artifact %s", ErrNotFound, artifactID)
	}
	out := *artifact
	out.Files = append([]ArtifactFile(nil), artifact.Files...)
	return out, nil
}

func (f *fakeInteractionAPI) sentInterrupts() []sentInterrupt {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentInterrupt(nil), f.interrupts...)
}

func (f *fakeInteractionAPI) setParticipants(interactionID string, participants ...Participant) {
	f.mu.Lock()
	defer f.mu.Unlock()
	meta, ok := f.metadata[interactionID]
	if !ok {
		meta = &InteractionMetadata{InteractionID: interactionID}
		f.metadata[interactionID] = meta
	}
	meta.Participants = participants
}

func (f *fakeInteractionAPI) markMissing(interactionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.missing[interactionID] = true
}

type appUserUpdate struct {
	AppUserID string
	Fields    map[string]string
}

type fakePlatformClient struct {
	mu           sync.Mutex
	integrations map[string]PlatformIntegration
	updates      []appUserUpdate
	updateErr    error
}

func newFakePlatformClient() *fakePlatformClient {
	return &fakePlatformClient{integrations: map[string]PlatformIntegration{}}
}

func (f *fakePlatformClient) GetIntegration(ctx context.Context, tenantID, integrationID string) (PlatformIntegration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	integration, ok := f.integrations[integrationID]
	if !ok {
		return PlatformIntegration{}, fmt.Errorf("%w: integration %s", ErrNotFound, integrationID)
	}
	return integration, nil
}

func (f *fakePlatformClient) UpdateAppUser(ctx context.Context, tenantID, appUserID string, fields map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates = append(f.updates, appUserUpdate{AppUserID: appUserID, Fields: fields})
	return nil
}

func (f *fakePlatformClient) appUserUpdates() []appUserUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]appUserUpdate(nil), f.updates...)
}

type fakeProvisioningStore struct {
	records map[string]IntegrationRecord
}

func newFakeProvisioningStore() *fakeProvisioningStore {
	return &fakeProvisioningStore{records: map[string]IntegrationRecord{}}
}

func (f *fakeProvisioningStore) add(record IntegrationRecord) {
	f.records[record.TenantID+"|"+record.IntegrationID] = record
}

func (f *fakeProvisioningStore) GetIntegration(ctx context.Context, tenantID, integrationID string) (IntegrationRecord, error) {
	record, ok := f.records[tenantID+"|"+integrationID]
	if !ok {
		return IntegrationRecord{}, fmt.Errorf("%w: integration %s/%s", ErrNotFound, tenantID, integrationID)
	}
	return record, nil
}
