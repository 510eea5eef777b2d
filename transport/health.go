/*
Copyright 2024 Derrick J. Wippler

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package transport

import "net/http"

// HealthStatus represents the overall health status
type HealthStatus string

const (
	HealthStatusPass HealthStatus = "pass"
	HealthStatusWarn HealthStatus = "warn"
	HealthStatusFail HealthStatus = "fail"
)

// HealthResponse represents the RFC Health Check response format
// (draft-inadarei-api-health-check-06) returned by `GET /health`
type HealthResponse struct {
	Status      HealthStatus       `json:"status"`
	Version     string             `json:"version,omitempty"`
	ReleaseID   string             `json:"releaseId,omitempty"`
	Notes       []string           `json:"notes,omitempty"`
	Output      string             `json:"output,omitempty"`
	Checks      map[string][]Check `json:"checks,omitempty"`
	Links       map[string]string  `json:"links,omitempty"`
	ServiceID   string             `json:"serviceId,omitempty"`
	Description string             `json:"description,omitempty"`
}

// Check represents the health of a single component such as a storage backend
type Check struct {
	ComponentID   string       `json:"componentId,omitempty"`
	ComponentType string       `json:"componentType,omitempty"`
	Status        HealthStatus `json:"status"`
	Time          string       `json:"time,omitempty"`
	Output        string       `json:"output,omitempty"`
}

// NewHealthResponse builds a response from the component checks. The overall status is
// the worst status of any check.
func NewHealthResponse(version string, checks map[string][]Check) HealthResponse {
	status := HealthStatusPass
	for _, list := range checks {
		for _, c := range list {
			switch c.Status {
			case HealthStatusFail:
				status = HealthStatusFail
			case HealthStatusWarn:
				if status == HealthStatusPass {
					status = HealthStatusWarn
				}
			}
		}
	}
	return HealthResponse{
		Status:      status,
		Version:     version,
		ServiceID:   "pixstream",
		Description: "pix message streaming",
		Checks:      checks,
	}
}

// StatusCode returns the HTTP status a health response is served with
func (h HealthResponse) StatusCode() int {
	if h.Status == HealthStatusFail {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}
