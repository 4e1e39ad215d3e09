package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/CZERTAINLY/TaskRunner/internal/model"
	"github.com/CZERTAINLY/TaskRunner/internal/transport"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var errLocalTransport = errors.New("the memory transport is local to a process, configure the postgres transport")

type submitFlags struct {
	key            string
	input          string
	inputFile      string
	timeoutMinutes int
	id             string
	wait           bool
}

func newSubmitCmd() *cobra.Command {
	var flags submitFlags
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "submit publishes a task request and optionally waits for its result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request(cmd.InOrStdin())
			if err != nil {
				return err
			}
			if config.Transport.Kind != model.TransportPostgres {
				return errLocalTransport
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			tr, err := openTransport(ctx, config.Transport)
			if err != nil {
				return err
			}
			defer func() {
				_ = tr.Close()
			}()
			return submit(ctx, tr, config.Transport.Topics, req, flags.wait, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&flags.key, "key", "", "task key selecting the worker")
	cmd.Flags().StringVar(&flags.input, "input", "", "task input")
	cmd.Flags().StringVar(&flags.inputFile, "input-file", "", "read task input from a file, - is stdin")
	cmd.Flags().IntVar(&flags.timeoutMinutes, "timeout", 0, "timeout of each phase in minutes, default 30")
	cmd.Flags().StringVar(&flags.id, "id", "", "task id, random when empty")
	cmd.Flags().BoolVar(&flags.wait, "wait", false, "wait for the terminal status and print the output")
	_ = cmd.MarkFlagRequired("key")
	cmd.MarkFlagsMutuallyExclusive("input", "input-file")
	return cmd
}

func (f submitFlags) request(stdin io.Reader) (model.TaskRequest, error) {
	req := model.TaskRequest{
		ID:             uuid.New(),
		TaskKey:        f.key,
		Input:          []byte(f.input),
		TimeoutMinutes: f.timeoutMinutes,
	}
	if f.id != "" {
		id, err := uuid.Parse(f.id)
		if err != nil {
			return model.TaskRequest{}, fmt.Errorf("parsing --id: %w", err)
		}
		req.ID = id
	}
	switch f.inputFile {
	case "":
	case "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return model.TaskRequest{}, fmt.Errorf("reading stdin: %w", err)
		}
		req.Input = b
	default:
		b, err := os.ReadFile(f.inputFile)
		if err != nil {
			return model.TaskRequest{}, fmt.Errorf("reading --input-file: %w", err)
		}
		req.Input = b
	}
	return req, req.Validate()
}

// submit publishes req. With wait it prints every status of the task and the
// output of the terminal one; a task not ending in SUCCESS is an error.
func submit(ctx context.Context, tr transport.Transport, topics model.Topics, req model.TaskRequest, wait bool, out io.Writer) error {
	var responses <-chan []byte
	if wait {
		var err error
		responses, err = tr.Subscribe(ctx, topics.Responses)
		if err != nil {
			return fmt.Errorf("subscribing to %s: %w", topics.Responses, err)
		}
	}

	msg, err := model.EncodeRequest(req)
	if err != nil {
		return err
	}
	if err := tr.Publish(ctx, topics.Requests, msg); err != nil {
		return fmt.Errorf("publishing request: %w", err)
	}
	fmt.Fprintln(out, req.ID)
	if !wait {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-responses:
			if !ok {
				return transport.ErrClosed
			}
			resp, err := model.DecodeResponse(msg)
			if err != nil || resp.ID != req.ID {
				continue
			}
			fmt.Fprintln(out, resp.Status)
			if !resp.Status.IsTerminal() {
				continue
			}
			if resp.Status == model.StatusSuccess {
				_, err := out.Write(resp.Output)
				return err
			}
			if len(resp.Output) > 0 {
				return fmt.Errorf("task %s %s: %s", req.ID, resp.Status, resp.Output)
			}
			return fmt.Errorf("task %s %s", req.ID, resp.Status)
		}
	}
}

var cancelCmd = &cobra.Command{
	Use:   "cancel ID",
	Short: "cancel publishes a cancellation of a task in flight",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("parsing task id: %w", err)
		}
		if config.Transport.Kind != model.TransportPostgres {
			return errLocalTransport
		}
		ctx := cmd.Context()
		tr, err := openTransport(ctx, config.Transport)
		if err != nil {
			return err
		}
		defer func() {
			_ = tr.Close()
		}()
		return publishCancellation(ctx, tr, config.Transport.Topics, id)
	},
}

func publishCancellation(ctx context.Context, tr transport.Transport, topics model.Topics, id uuid.UUID) error {
	if err := tr.Publish(ctx, topics.Cancellations, model.EncodeCancellation(model.Cancellation{ID: id})); err != nil {
		return fmt.Errorf("publishing cancellation: %w", err)
	}
	return nil
}
