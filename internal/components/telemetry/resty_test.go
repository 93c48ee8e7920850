package telemetry

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/require"
)

type memoryOutput struct {
	mutex    sync.Mutex
	messages map[string]string
}

func (o *memoryOutput) Write(id string, contents string) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.messages[id] = contents
}

func TestInstrumentResty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "JSESSIONID", Value: "abcdef"})
		fmt.Fprint(w, "pong")
	}))
	defer server.Close()

	recorder := NewRecorder()
	output := &memoryOutput{messages: map[string]string{}}
	client := resty.New()
	InstrumentResty(client, recorder, output)

	res, err := client.R().
		SetHeader("Authorization", "Bearer secret-token").
		SetBody("ping").
		Post(server.URL + "/echo")
	require.NoError(t, err)
	require.Equal(t, "pong", res.String())

	require.Len(t, recorder.Reports(KindDebug, report_resty_request), 1)
	require.Len(t, recorder.Reports(KindDebug, report_resty_response), 1)

	dump, ok := output.messages["0001.txt"]
	require.True(t, ok)
	require.Contains(t, dump, "POST "+server.URL+"/echo")
	require.Contains(t, dump, "ping")
	require.Contains(t, dump, "pong")
	require.Contains(t, dump, "Authorization: <redacted 19 bytes>")
	require.False(t, strings.Contains(dump, "secret-token"))
	require.False(t, strings.Contains(dump, "abcdef"))
}

func TestInstrumentRestyError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	recorder := NewRecorder()
	client := resty.New()
	InstrumentResty(client, recorder, nil)

	_, err := client.R().Get(url)
	require.Error(t, err)
	require.Len(t, recorder.Reports(KindWarning, report_resty_response), 1)
}

func TestScopedAPI(t *testing.T) {
	recorder := NewRecorder()
	scoped := NewScopedAPI("clubos", recorder)
	scoped.ReportWarning("delegate", "X")
	scoped.ReportCount("agreements", 3)

	warnings := recorder.Reports(KindWarning, "")
	require.Len(t, warnings, 1)
	require.Equal(t, "clubos: delegate", warnings[0].Id)

	counts := recorder.Reports(KindCount, "agreements")
	require.Len(t, counts, 1)
	require.Equal(t, int64(3), counts[0].Count)
}
