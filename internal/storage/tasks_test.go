package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/taskweave/taskweave/pkg/models"
)

var taskRowColumns = []string{
	"id", "session_id", "order", "data", "status", "is_planning",
	"space_digested", "created_at", "updated_at",
}

func taskRow(rows *sqlmock.Rows, id, sessionID uuid.UUID, order int, data, status string, planning bool, createdAt time.Time) *sqlmock.Rows {
	return rows.AddRow(id.String(), sessionID.String(), order, []byte(data),
		status, planning, false, createdAt, createdAt)
}

func TestTaskStore_Insert(t *testing.T) {
	sessionID := uuid.New()
	now := time.Now()

	t.Run("appends after the last slot", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id FROM tasks").
			WithArgs(sessionID).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).
				AddRow(uuid.NewString()).
				AddRow(uuid.NewString()))
		mock.ExpectExec(`UPDATE tasks SET "order" = -"order" WHERE`).
			WithArgs(sessionID, 2).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(`UPDATE tasks SET "order" = -"order" \+ 1`).
			WithArgs(sessionID).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("INSERT INTO tasks").
			WithArgs(sqlmock.AnyArg(), sessionID, 3, sqlmock.AnyArg(), "pending").
			WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).
				AddRow(now, now))
		mock.ExpectCommit()

		task, err := NewTaskStore(db).Insert(context.Background(), sessionID, 2,
			map[string]any{models.DescriptionKey: "ship it"}, models.StatusPending)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if task.Order != 3 {
			t.Errorf("got order %d, want 3", task.Order)
		}
		if task.Description() != "ship it" {
			t.Errorf("got description %q, want %q", task.Description(), "ship it")
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})

	t.Run("prepend into empty session", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id FROM tasks").
			WithArgs(sessionID).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))
		mock.ExpectExec(`UPDATE tasks SET "order" = -"order" WHERE`).
			WithArgs(sessionID, 0).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(`UPDATE tasks SET "order" = -"order" \+ 1`).
			WithArgs(sessionID).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("INSERT INTO tasks").
			WithArgs(sqlmock.AnyArg(), sessionID, 1, sqlmock.AnyArg(), "running").
			WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).
				AddRow(now, now))
		mock.ExpectCommit()

		task, err := NewTaskStore(db).Insert(context.Background(), sessionID, 0,
			nil, models.StatusRunning)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if task.Order != 1 {
			t.Errorf("got order %d, want 1", task.Order)
		}
	})

	t.Run("after order beyond the tail is rejected", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id FROM tasks").
			WithArgs(sessionID).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(uuid.NewString()))
		mock.ExpectRollback()

		_, err := NewTaskStore(db).Insert(context.Background(), sessionID, 5,
			nil, models.StatusPending)
		if !errors.Is(err, ErrOrderOutOfRange) {
			t.Fatalf("expected ErrOrderOutOfRange, got %v", err)
		}
	})

	t.Run("negative after order is rejected", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id FROM tasks").
			WithArgs(sessionID).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))
		mock.ExpectRollback()

		_, err := NewTaskStore(db).Insert(context.Background(), sessionID, -1,
			nil, models.StatusPending)
		if !errors.Is(err, ErrOrderOutOfRange) {
			t.Fatalf("expected ErrOrderOutOfRange, got %v", err)
		}
	})
}

func TestTaskStore_Update(t *testing.T) {
	sessionID := uuid.New()
	taskID := uuid.New()
	now := time.Now()

	t.Run("merges patch over stored data", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		rows := sqlmock.NewRows(taskRowColumns)
		taskRow(rows, taskID, sessionID, 1,
			`{"task_description":"old","notes":"keep"}`, "running", false, now)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT (.+) FROM tasks WHERE id").
			WithArgs(taskID).
			WillReturnRows(rows)
		mock.ExpectQuery("UPDATE tasks SET data").
			WithArgs(
				[]byte(`{"notes":"keep","task_description":"new"}`),
				"success",
				taskID,
			).
			WillReturnRows(sqlmock.NewRows([]string{"updated_at"}).AddRow(now))
		mock.ExpectCommit()

		status := models.StatusSuccess
		task, err := NewTaskStore(db).Update(context.Background(), taskID, &status,
			map[string]any{models.DescriptionKey: "new"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if task.Status != models.StatusSuccess {
			t.Errorf("got status %s, want success", task.Status)
		}
		if task.Data["notes"] != "keep" || task.Description() != "new" {
			t.Errorf("patch not merged shallowly: %v", task.Data)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})

	t.Run("missing task is not found", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT (.+) FROM tasks WHERE id").
			WithArgs(taskID).
			WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		_, err := NewTaskStore(db).Update(context.Background(), taskID, nil, nil)
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestTaskStore_FetchOrdered(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()

	sessionID := uuid.New()
	taskA := uuid.New()
	taskB := uuid.New()
	msgOld := uuid.New()
	msgNew := uuid.New()
	now := time.Now()

	rows := sqlmock.NewRows(taskRowColumns)
	taskRow(rows, taskA, sessionID, 1, `{"task_description":"a"}`, "success", false, now)
	taskRow(rows, taskB, sessionID, 2, `{"task_description":"b"}`, "running", false, now)

	mock.ExpectQuery("SELECT (.+) FROM tasks").
		WithArgs(sessionID).
		WillReturnRows(rows)
	mock.ExpectQuery("SELECT id, task_id FROM messages").
		WithArgs(sessionID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "task_id"}).
			AddRow(msgOld.String(), taskA.String()).
			AddRow(msgNew.String(), taskA.String()))

	tasks, err := NewTaskStore(db).FetchOrdered(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("got %d tasks, want 2", len(tasks))
	}
	if tasks[0].Order != 1 || tasks[1].Order != 2 {
		t.Errorf("tasks not ordered: %d, %d", tasks[0].Order, tasks[1].Order)
	}
	if len(tasks[0].MessageIDs) != 2 || tasks[0].MessageIDs[0] != msgOld {
		t.Errorf("attachments wrong: %v", tasks[0].MessageIDs)
	}
	if len(tasks[1].MessageIDs) != 0 {
		t.Errorf("unattached task carries messages: %v", tasks[1].MessageIDs)
	}
}

func TestTaskStore_FetchPlanning(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()

	sessionID := uuid.New()
	mock.ExpectQuery("SELECT (.+) FROM tasks").
		WithArgs(sessionID).
		WillReturnError(sql.ErrNoRows)

	_, err := NewTaskStore(db).FetchPlanning(context.Background(), sessionID)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTaskStore_AppendToPlanning(t *testing.T) {
	sessionID := uuid.New()
	planningID := uuid.New()
	msgID := uuid.New()
	now := time.Now()

	t.Run("attaches to the existing planning task", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		rows := sqlmock.NewRows(taskRowColumns).
			AddRow(planningID.String(), sessionID.String(), 0, []byte(`{}`),
				"pending", true, false, now, now)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT (.+) FROM tasks").
			WithArgs(sessionID).
			WillReturnRows(rows)
		mock.ExpectExec("UPDATE messages SET task_id").
			WithArgs(planningID, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		task, err := NewTaskStore(db).AppendToPlanning(context.Background(),
			sessionID, []uuid.UUID{msgID})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if task.ID != planningID || !task.IsPlanning {
			t.Errorf("unexpected task returned: %+v", task)
		}
	})

	t.Run("creates the planning task lazily", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT (.+) FROM tasks").
			WithArgs(sessionID).
			WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery("INSERT INTO tasks").
			WithArgs(sqlmock.AnyArg(), sessionID, "pending").
			WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).
				AddRow(now, now))
		mock.ExpectExec("UPDATE messages SET task_id").
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		task, err := NewTaskStore(db).AppendToPlanning(context.Background(),
			sessionID, []uuid.UUID{msgID})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !task.IsPlanning || task.Order != 0 {
			t.Errorf("planning task not created at order 0: %+v", task)
		}
	})
}

func TestTaskStore_SetSpaceDigested(t *testing.T) {
	taskID := uuid.New()

	tests := []struct {
		name        string
		setupMock   func(sqlmock.Sqlmock)
		wantAlready bool
		wantErr     error
	}{
		{
			name: "first digestion flips the flag",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("UPDATE tasks SET space_digested").
					WithArgs(taskID).
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
			wantAlready: false,
		},
		{
			name: "second digestion reports already set",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("UPDATE tasks SET space_digested").
					WithArgs(taskID).
					WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectQuery("SELECT space_digested FROM tasks").
					WithArgs(taskID).
					WillReturnRows(sqlmock.NewRows([]string{"space_digested"}).AddRow(true))
			},
			wantAlready: true,
		},
		{
			name: "missing task is not found",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("UPDATE tasks SET space_digested").
					WithArgs(taskID).
					WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectQuery("SELECT space_digested FROM tasks").
					WithArgs(taskID).
					WillReturnError(sql.ErrNoRows)
			},
			wantErr: ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := setupMockDB(t)
			defer db.Close()
			tt.setupMock(mock)

			already, err := NewTaskStore(db).SetSpaceDigested(context.Background(), taskID)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if already != tt.wantAlready {
				t.Errorf("got already=%v, want %v", already, tt.wantAlready)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unmet expectations: %v", err)
			}
		})
	}
}
