package faults

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindSurvivesWrapping(t *testing.T) {
	base := Transient("FetchChannels", "node_source", errors.New("connection reset"))
	wrapped := fmt.Errorf("report generation: %w", base)

	assert.Equal(t, KindTransient, KindOf(wrapped))
	assert.True(t, Retriable(wrapped))
}

func TestRetriable(t *testing.T) {
	cases := []struct {
		kind Kind
		want bool
	}{
		{KindTransient, true},
		{KindTimeout, true},
		{KindUnavailable, true},
		{KindPermanent, false},
		{KindInvalid, false},
		{KindNotFound, false},
		{KindConflict, false},
	}
	for _, tc := range cases {
		err := New(tc.kind, "op", "target", nil)
		assert.Equal(t, tc.want, Retriable(err), tc.kind.String())
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, HTTPStatus(NotFound("Get", "report", nil)))
	assert.Equal(t, http.StatusConflict, HTTPStatus(Conflict("Put", "report", nil)))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(Invalid("Parse", "query", nil)))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(Permanent("Call", "llm", nil)))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(Unavailable("Call", "node_ctl", nil)))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(Timeout("Call", "node_source", nil)))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("bare")))
}

func TestFromHTTPStatus(t *testing.T) {
	assert.Equal(t, KindTransient, FromHTTPStatus("Call", "t", 502, nil).Kind)
	assert.Equal(t, KindTransient, FromHTTPStatus("Call", "t", 429, nil).Kind)
	assert.Equal(t, KindPermanent, FromHTTPStatus("Call", "t", 400, nil).Kind)
	assert.Equal(t, KindNotFound, FromHTTPStatus("Call", "t", 404, nil).Kind)
	assert.Equal(t, KindConflict, FromHTTPStatus("Call", "t", 409, nil).Kind)
}
