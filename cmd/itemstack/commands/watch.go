package commands

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/savaki/itemstack/internal/deployer"
	"github.com/savaki/itemstack/internal/policy"
	"github.com/urfave/cli/v2"
)

// WatchCommand returns the watch command for continuous template validation
func WatchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Re-validate a template descriptor on every change",
		Description: `Watch a template descriptor and re-run resolution and guardrail
validation whenever it changes. Nothing is sent to AWS, this is a local
feedback loop for editing templates.

Examples:
  # Watch a descriptor while editing it
  itemstack watch --file stack.yml

  # Watch with the prod rules and a parameter override
  itemstack watch --file stack.yml --env prod --param DBInstanceClass=db.r6g.large`,
		Flags: []cli.Flag{
			envFlag(),
			&cli.StringFlag{
				Name:     "file",
				Aliases:  []string{"f"},
				Usage:    "Template descriptor path",
				Required: true,
				EnvVars:  []string{"TEMPLATE_FILE"},
			},
			&cli.StringSliceFlag{
				Name:    "param",
				Aliases: []string{"p"},
				Usage:   "Template parameter as KEY=VALUE (repeatable)",
			},
			&cli.DurationFlag{
				Name:  "debounce",
				Usage: "Delay before re-validating after a change",
				Value: 500 * time.Millisecond,
			},
		},
		Action: watchAction,
	}
}

// watchAction re-validates the descriptor whenever the file changes
func watchAction(c *cli.Context) error {
	env, err := resolveEnv(c)
	if err != nil {
		return err
	}

	values, err := parseParams(c.StringSlice("param"))
	if err != nil {
		return err
	}

	target, err := filepath.Abs(c.String("file"))
	if err != nil {
		return err
	}

	validator, err := policy.NewValidator()
	if err != nil {
		return fmt.Errorf("failed to load guardrails: %w", err)
	}

	// Preview only needs the validator, the AWS-backed collaborators stay nil
	d := deployer.New(nil, nil, nil, validator, "")
	input := deployer.Input{Env: env, TemplatePath: target, Parameters: values}

	check := func() {
		preview, err := d.Preview(c.Context, input)
		if err != nil {
			fmt.Printf("✗ %v\n", err)
			return
		}
		displayPreview(preview)
	}

	check()

	// Editors replace files rather than writing in place, so watch the
	// directory and filter events down to the target path.
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(target), err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	rebuildChan := make(chan struct{}, 1)
	var debounceTimer *time.Timer
	debounce := c.Duration("debounce")

	fmt.Println("\nWatching for changes... (Ctrl+C to stop)")

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounce, func() {
				select {
				case rebuildChan <- struct{}{}:
				default:
				}
			})

		case <-rebuildChan:
			fmt.Printf("\n[%s] Change detected\n", time.Now().Format("15:04:05"))
			check()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "Watch error: %v\n", err)

		case <-sigChan:
			fmt.Println("\nStopped")
			return nil

		case <-c.Context.Done():
			return c.Context.Err()
		}
	}
}
