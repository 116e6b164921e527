/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package engine

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func TestWithInFlightBudgetRejectsOnceSaturated(t *testing.T) {
	limiter := newInFlightLimiter(2)

	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(2)

	blocking := withInFlightBudget(limiter, func(w http.ResponseWriter, r *http.Request) {
		started.Done()
		<-release
		w.WriteHeader(http.StatusOK)
	})

	var wg sync.WaitGroup
	results := make(chan int, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := httptest.NewRecorder()
			blocking(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
			results <- rec.Code
		}()
	}
	started.Wait()

	rec := httptest.NewRecorder()
	blocking(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 once budget is saturated, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected a Retry-After header on the 429 response")
	}

	close(release)
	wg.Wait()
	close(results)
	for code := range results {
		if code != http.StatusOK {
			t.Fatalf("expected in-budget requests to succeed, got %d", code)
		}
	}
}

func TestWithInFlightBudgetReleasesSlotAfterHandlerReturns(t *testing.T) {
	limiter := newInFlightLimiter(1)
	handler := withInFlightBudget(limiter, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200 after prior release, got %d", i, rec.Code)
		}
	}
}
