package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/MrWong99/xivoice/internal/app"
	"github.com/MrWong99/xivoice/internal/config"
	"github.com/MrWong99/xivoice/internal/protocol"
	"github.com/MrWong99/xivoice/internal/voice"
	"github.com/MrWong99/xivoice/pkg/audio/portaudio"
	"github.com/MrWong99/xivoice/pkg/catalog"
)

// parseUtterance splits "<npc>//<text>". The part before "//" is used both
// as npc id and as speaker name, so it may be a numeric id, "any", a gender
// literal or a character name. Without "//" the whole line is the text.
func parseUtterance(line string) protocol.Say {
	npc, text, ok := strings.Cut(line, "//")
	if !ok {
		return protocol.Say{Text: strings.TrimSpace(line)}
	}
	npc = strings.TrimSpace(npc)
	return protocol.Say{Text: strings.TrimSpace(text), Speaker: npc, NPCID: npc}
}

// ── say ──────────────────────────────────────────────────────────────────────

func newSayCmd() *cobra.Command {
	var lang string
	cmd := &cobra.Command{
		Use:   `say ["<npc>//<text>"]`,
		Short: "Speak a line locally, or read lines from stdin",
		Long: `Speak one line through the configured pipeline and wait for it to finish.

The text may be prefixed with "<npc>//", where <npc> is an npc id, "any",
"male", "female" or a character name. Without arguments, lines are read from
stdin; each new line interrupts the previous one. "lang <code>" switches the
language, "exit" quits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			reg := config.NewRegistry()
			registerBuiltinBackends(reg)
			a, err := app.New(cmd.Context(), cfg,
				app.WithRegistry(reg),
				app.WithLevelVar(levelVar),
				app.WithoutTransport(),
				app.WithoutHTTP(),
			)
			if err != nil {
				return err
			}
			defer func() { _ = a.Shutdown(context.Background()) }()

			language := protocol.ParseLanguage(lang)
			if len(args) > 0 {
				say := parseUtterance(strings.Join(args, " "))
				say.Language = language
				h, err := a.Speak(say)
				if err != nil {
					return err
				}
				state, err := h.Wait()
				if err != nil {
					return err
				}
				slog.Debug("line finished", "state", state.String())
				return nil
			}
			return repl(a, cmd.InOrStdin(), cmd.ErrOrStderr(), language)
		},
	}
	cmd.Flags().StringVarP(&lang, "lang", "l", "auto", "language: auto, en, de, fr, jp")
	return cmd
}

// repl reads lines from in and speaks each one as it arrives.
func repl(a *app.App, in io.Reader, out io.Writer, lang catalog.Language) error {
	sc := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "TTS> ")
		if !sc.Scan() {
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
			continue
		case line == "exit" || line == "stop":
			return nil
		case strings.HasPrefix(line, "lang "):
			l := protocol.ParseLanguage(strings.TrimSpace(strings.TrimPrefix(line, "lang ")))
			if !l.IsSupported() {
				fmt.Fprintln(out, "invalid language, must be one of en, de, fr, jp")
				continue
			}
			lang = l
			fmt.Fprintln(out, "language set to", string(lang))
			continue
		}
		say := parseUtterance(line)
		say.Language = lang
		if _, err := a.Speak(say); err != nil {
			fmt.Fprintln(out, "error:", err)
		}
	}
}

// ── resolve ──────────────────────────────────────────────────────────────────

func newResolveCmd() *cobra.Command {
	var (
		npc  string
		lang string
	)
	cmd := &cobra.Command{
		Use:   "resolve [speaker name]",
		Short: "Show which voice a speaker would get",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cat, err := app.LoadCatalog(cmd.Context(), cfg.Catalog)
			if err != nil {
				return err
			}
			hint := voice.Hint{
				NPCID:       npc,
				DisplayName: strings.Join(args, " "),
				Language:    protocol.ResolveLanguage(protocol.ParseLanguage(lang), cfg.DefaultLanguage()),
			}
			v, step, err := app.NewResolver(cfg.Voice, cat).Resolve(hint)
			if errors.Is(err, voice.ErrNotFound) {
				return fmt.Errorf("no voices for language %q", hint.Language)
			}
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "voice\t%s\n", v.String())
			fmt.Fprintf(w, "model\t%s\n", v.ModelKey())
			fmt.Fprintf(w, "speaker\t%d\n", v.Speaker)
			fmt.Fprintf(w, "gender\t%s\n", v.Gender)
			fmt.Fprintf(w, "step\t%s\n", step.String())
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&npc, "npc", "", `npc id, or "any"`)
	cmd.Flags().StringVarP(&lang, "lang", "l", "auto", "language: auto, en, de, fr, jp")
	return cmd
}

// ── voices ───────────────────────────────────────────────────────────────────

func newVoicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "voices [language]",
		Short: "List the voice pools",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cat, err := app.LoadCatalog(cmd.Context(), cfg.Catalog)
			if err != nil {
				return err
			}
			langs := cat.Languages()
			if len(args) == 1 {
				langs = []catalog.Language{protocol.ParseLanguage(args[0])}
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "LANGUAGE\tINDEX\tNAME\tMODEL\tSPEAKER\tGENDER")
			for _, l := range langs {
				for i, v := range cat.Voices(l) {
					fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%d\t%s\n", l, i, v.Name, v.Model, v.Speaker, v.Gender)
				}
			}
			return w.Flush()
		},
	}
}

// ── devices ──────────────────────────────────────────────────────────────────

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List audio output devices for audio.output_device_index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := portaudio.New()
			if err != nil {
				return err
			}
			defer p.Close()
			devs, err := portaudio.Devices()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "INDEX\tNAME\tCHANNELS\tRATE")
			for _, d := range devs {
				fmt.Fprintf(w, "%d\t%s\t%d\t%.0f\n", d.Index, d.Name, d.MaxOutputChannels, d.DefaultSampleRate)
			}
			return w.Flush()
		},
	}
}
