/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package engine_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-logr/logr"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sosproject/sentinel/internal/engine"
	"github.com/sosproject/sentinel/internal/llm"
	"github.com/sosproject/sentinel/internal/task"
)

func TestEngineServer(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Engine HTTP Surface Suite")
}

var _ = Describe("Server", func() {
	var (
		srv   *engine.Server
		tasks *task.Store
	)

	BeforeEach(func() {
		ts, err := task.NewStore(GinkgoT().TempDir())
		Expect(err).NotTo(HaveOccurred())
		tasks = ts

		registry := llm.NewRegistry(logr.Discard(), llm.NewMockAdapter("mock", 1,
			[]*llm.CompletionResponse{{Content: "hello there"}}, nil))

		e := engine.New(engine.Config{
			Tasks:  tasks,
			Models: registry,
			Log:    logr.Discard(),
		})
		srv = engine.NewServer(e, "127.0.0.1:0")
	})

	It("answers a short chat message synchronously", func() {
		body, _ := json.Marshal(map[string]any{"message": "hello"})
		req := httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusOK))
		var resp map[string]any
		Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp["content"]).To(Equal("hello there"))
		Expect(resp).NotTo(HaveKey("task_id"))
	})

	It("spawns a task for a message containing an imperative verb", func() {
		body, _ := json.Marshal(map[string]any{"message": "please build a brand new deployment pipeline for this service"})
		req := httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusOK))
		var resp map[string]any
		Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp["status"]).To(Equal("accepted"))
		Expect(resp["task_id"]).NotTo(BeEmpty())

		got, err := tasks.Get(resp["task_id"].(string))
		Expect(err).NotTo(HaveOccurred())
		Expect(got.State).To(Equal(task.StatePending))
	})

	It("round-trips a task through GET /tasks/{id}", func() {
		created, err := tasks.Create("t", "d", task.PriorityNormal, "agent:a", "c1")
		Expect(err).NotTo(HaveOccurred())

		req := httptest.NewRequest(http.MethodGet, "/tasks/"+created.ID, nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusOK))
		var got task.Task
		Expect(json.Unmarshal(rec.Body.Bytes(), &got)).To(Succeed())
		Expect(got.ID).To(Equal(created.ID))
	})

	It("returns 404 for an unknown task", func() {
		req := httptest.NewRequest(http.MethodGet, "/tasks/does-not-exist", nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		Expect(rec.Code).To(Equal(http.StatusNotFound))
	})

	It("drives a task through submit to completed", func() {
		created, err := tasks.Create("t", "d", task.PriorityNormal, "agent:a", "c1")
		Expect(err).NotTo(HaveOccurred())
		_, err = tasks.Claim(created.ID, "worker-1")
		Expect(err).NotTo(HaveOccurred())
		_, err = tasks.Start(created.ID, "worker-1")
		Expect(err).NotTo(HaveOccurred())

		body, _ := json.Marshal(map[string]any{"output": "done", "model_used": "mock", "status": "ok"})
		req := httptest.NewRequest(http.MethodPost, "/tasks/"+created.ID+"/submit", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusOK))
		var got task.Task
		Expect(json.Unmarshal(rec.Body.Bytes(), &got)).To(Succeed())
		Expect(got.State).To(Equal(task.StateCompleted))
		Expect(got.Reported).To(BeFalse())
	})

	It("reports adapter readiness on GET /models", func() {
		req := httptest.NewRequest(http.MethodGet, "/models", nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusOK))
		var resp map[string][]map[string]any
		Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp["adapters"]).To(HaveLen(1))
		Expect(resp["adapters"][0]["state"]).To(Equal("closed"))
	})

	It("reports ok health with no Mirror configured", func() {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusOK))
		var resp map[string]any
		Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp["status"]).To(Equal("ok"))
		Expect(resp["service"]).To(Equal("sos-engine"))
	})

	It("no-ops a witness vote on an unknown conversation", func() {
		body, _ := json.Marshal(map[string]any{"agent_id": "agent:a", "conversation_id": "no-such-convo", "vote": 1})
		req := httptest.NewRequest(http.MethodPost, "/witness", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusOK))
		var resp map[string]any
		Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp["collapsed"]).To(Equal(false))
	})

	It("rejects an out-of-range witness vote", func() {
		body, _ := json.Marshal(map[string]any{"agent_id": "agent:a", "conversation_id": "c1", "vote": 5})
		req := httptest.NewRequest(http.MethodPost, "/witness", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		Expect(rec.Code).To(Equal(http.StatusBadRequest))
	})
})
