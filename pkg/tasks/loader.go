package tasks

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/google/uuid"

	"node-coordinator/pkg/models"
)

// Inserter persists new Pending tasks.
type Inserter interface {
	InsertTasks(ctx context.Context, tasks []*models.Task) error
}

type taskLine struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body"`
}

// AddTasksFromFile reads one JSON task definition per line and inserts the
// valid ones as Pending tasks owned by owner. Invalid lines are logged and
// skipped. It returns the number of tasks inserted.
func AddTasksFromFile(ctx context.Context, store Inserter, filename string, owner uuid.UUID) (int, error) {
	file, err := os.Open(filename)
	if err != nil {
		return 0, fmt.Errorf("failed to open file: %v", err)
	}
	defer file.Close()
	return AddTasks(ctx, store, file, owner)
}

// AddTasks is AddTasksFromFile over an arbitrary reader.
func AddTasks(ctx context.Context, store Inserter, r io.Reader, owner uuid.UUID) (int, error) {
	var batch []*models.Task
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		task, err := parseTaskLine(owner, line)
		if err != nil {
			slog.Error("Error parsing task", "line", lineNo, "error", err)
			continue
		}
		slog.Debug("Adding task", "url", task.URL, "method", task.Method)
		batch = append(batch, task)
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("error reading tasks: %v", err)
	}
	if len(batch) == 0 {
		return 0, nil
	}
	if err := store.InsertTasks(ctx, batch); err != nil {
		return 0, err
	}
	return len(batch), nil
}

func parseTaskLine(owner uuid.UUID, line string) (*models.Task, error) {
	var def taskLine
	if err := json.Unmarshal([]byte(line), &def); err != nil {
		return nil, fmt.Errorf("failed to decode task: %v", err)
	}
	u, err := url.Parse(def.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse url: %v", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("unsupported url %q", def.URL)
	}

	method := models.TaskMethod(strings.ToUpper(def.Method))
	switch method {
	case "":
		method = models.MethodGet
	case models.MethodGet, models.MethodPost:
	default:
		return nil, fmt.Errorf("unsupported method %q", def.Method)
	}

	var headers json.RawMessage
	if len(def.Headers) > 0 {
		if headers, err = json.Marshal(def.Headers); err != nil {
			return nil, err
		}
	}
	var body json.RawMessage
	if len(def.Body) > 0 && string(def.Body) != "null" {
		body = def.Body
	}
	return models.NewTask(owner, u.String(), method, headers, body), nil
}
