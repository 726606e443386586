package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/tbourn/parcel-forwarding-backend/internal/domain"
	"github.com/tbourn/parcel-forwarding-backend/internal/repo"
)

type createTaskArgs struct {
	Title    string `json:"title"     binding:"required,max=255"`
	Notes    string `json:"notes"     binding:"max=4000"`
	OrderKey string `json:"order_key"`
}

func (p *Procedures) adminCreateTask(ctx context.Context, c Caller, args json.RawMessage) (any, error) {
	var a createTaskArgs
	if err := decode(args, &a); err != nil {
		return nil, err
	}
	title := strings.TrimSpace(a.Title)
	if title == "" {
		return nil, invalid("title must not be blank")
	}
	t := &domain.AdminTask{Title: title, Notes: strings.TrimSpace(a.Notes), CreatedBy: c.UserID}
	if a.OrderKey != "" {
		o, err := p.loadOrder(ctx, c, a.OrderKey)
		if err != nil {
			return nil, err
		}
		t.OrderID = &o.ID
	}
	if err := repo.CreateTask(ctx, p.DB, t); err != nil {
		return nil, err
	}
	return t, nil
}

type taskArgs struct {
	TaskID string `json:"task_id" binding:"required"`
}

func (p *Procedures) adminCompleteTask(ctx context.Context, c Caller, args json.RawMessage) (any, error) {
	var a taskArgs
	if err := decode(args, &a); err != nil {
		return nil, err
	}
	t, err := repo.CompleteTask(ctx, p.DB, a.TaskID, p.now())
	if errors.Is(err, repo.ErrNotFound) {
		return nil, newErr(KindNotFound, CodeTaskNotFound, "task %s not found", a.TaskID)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

type listTasksArgs struct {
	pageArgs
	OpenOnly bool `json:"open_only"`
}

func (p *Procedures) adminListTasks(ctx context.Context, c Caller, args json.RawMessage) (any, error) {
	var a listTasksArgs
	if err := decode(args, &a); err != nil {
		return nil, err
	}
	offset, limit := a.bounds()
	out, err := repo.ListTasks(ctx, p.DB, a.OpenOnly, offset, limit)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []domain.AdminTask{}
	}
	return out, nil
}
