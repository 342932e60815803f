// Package main runs a scripted Teacher Mode lesson against mock providers
// and prints what the student would see: replies, session snapshots, the
// recap and the quota report.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/doubtdesk/teacher-core/config"
	"github.com/doubtdesk/teacher-core/internal/app"
	"github.com/doubtdesk/teacher-core/internal/application/command"
	"github.com/doubtdesk/teacher-core/internal/application/query"
	"github.com/doubtdesk/teacher-core/internal/domain/media"
	"github.com/doubtdesk/teacher-core/internal/domain/shared"
	"github.com/doubtdesk/teacher-core/internal/domain/teaching"
	"github.com/doubtdesk/teacher-core/internal/infrastructure/provider/mock"
	"github.com/doubtdesk/teacher-core/pkg/logger"
)

type options struct {
	user     string
	teacher  string
	grade    string
	topic    string
	question string
	trigger  string
	spoken   string
	answer   string
	verbose  bool
}

func main() {
	var opts options
	flag.StringVar(&opts.user, "user", "demo-student", "student id")
	flag.StringVar(&opts.teacher, "teacher", "", "teacher persona (default from TEACHING_DEFAULT_TEACHER)")
	flag.StringVar(&opts.grade, "grade", "11", "student grade")
	flag.StringVar(&opts.topic, "topic", "torque", "lesson topic")
	flag.StringVar(&opts.question, "question", "What is torque?", "plain question asked first")
	flag.StringVar(&opts.trigger, "trigger", "I still don't understand torque", "message that starts Teacher Mode")
	flag.StringVar(&opts.spoken, "spoken", "so it depends on the distance from the pivot?", "line the student says aloud")
	flag.StringVar(&opts.answer, "answer", "0.5 m times 10 N is 5 N m", "answer to the teacher's challenge")
	flag.BoolVar(&opts.verbose, "v", false, "log at debug level")
	flag.Parse()

	if err := run(context.Background(), opts, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "classroom: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, out io.Writer) error {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	// The demo never touches external services.
	cfg.Providers.Mode = config.ProviderModeMock
	cfg.Quota.Backend = config.QuotaBackendMemory
	cfg.Database.URL = ""
	cfg.Redis.URL = ""
	cfg.Scheduler.Enabled = false

	level := "warn"
	if opts.verbose {
		level = "debug"
	}
	log := logger.New(logger.Options{Level: level, Format: "text", Output: os.Stderr, Service: "classroom"})

	providers, _, renderer, recognizer := mock.Providers()
	core, err := app.New(ctx, cfg, log, app.WithProviders(providers))
	if err != nil {
		return err
	}
	defer core.Close()
	defer core.Shutdown(context.Background())

	student := teaching.StudentContext{Grade: opts.grade, Topic: opts.topic}
	say := func(msg string) (*command.HandleChatTurnResult, error) {
		fmt.Fprintf(out, "\nstudent> %s\n", msg)
		res, err := core.HandleChatTurn(ctx, command.HandleChatTurnCommand{
			UserID:  opts.user,
			Message: msg,
			Teacher: opts.teacher,
			Student: student,
		})
		if err != nil {
			return res, err
		}
		fmt.Fprintf(out, "[%s] teacher> %s\n", res.Kind, res.Reply)
		return res, nil
	}

	if _, err := say(opts.question); err != nil {
		return err
	}

	started, err := say(opts.trigger)
	if err != nil {
		return err
	}
	if started.Kind != command.TurnLessonStarted {
		return fmt.Errorf("%q did not start a lesson", opts.trigger)
	}
	id := started.SessionID

	recognizer.Queue(media.Transcript{Text: opts.spoken, IsFinal: true})
	heard, err := core.Listen(ctx, shared.UserID(opts.user), make([]byte, 3200))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\nstudent (voice)> %s\n", heard.Text)

	reply, err := say(opts.answer)
	if err != nil {
		return err
	}
	if reply.Outcome != nil {
		fmt.Fprintf(out, "verdict: correct=%t stage=%s remediations=%d\n",
			reply.Outcome.Correct, reply.Outcome.Stage, reply.Outcome.Remediations)
	}

	state, err := core.SessionState.Handle(ctx, query.GetSessionStateQuery{SessionID: id.String(), IncludeTranscript: true})
	if err != nil {
		return err
	}
	if err := printJSON(out, "session", state); err != nil {
		return err
	}

	recap, err := core.Classroom.End(ctx, id)
	if err != nil {
		return err
	}
	if err := printJSON(out, "recap", recap); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nrenderer: %d expressions, %d audio bytes, %d pauses\n",
		len(renderer.Expressions()), renderer.AudioBytes(), renderer.Pauses())

	// Recaps are stored asynchronously from the session-ended event.
	usage, err := awaitUsage(ctx, core, opts.user)
	if err != nil {
		return err
	}
	return printJSON(out, "usage", usage)
}

func awaitUsage(ctx context.Context, core *app.App, user string) (*query.UsageDTO, error) {
	deadline := time.Now().Add(2 * time.Second)
	for {
		usage, err := core.Usage.Handle(ctx, query.GetUsageQuery{UserID: user, IncludeRecaps: true})
		if err != nil {
			return nil, err
		}
		if len(usage.Recaps) > 0 || time.Now().After(deadline) {
			return usage, nil
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func printJSON(out io.Writer, title string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\n── %s ──\n%s\n", title, b)
	return nil
}
