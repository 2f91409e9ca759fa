package cli

import (
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/shineum/graphmailer/internal/email"
	"github.com/shineum/graphmailer/internal/parser"
)

var errSendFailed = errors.New("send failed")

type sendOptions struct {
	eml string

	from     string
	to       []string
	cc       []string
	bcc      []string
	replyTo  []string
	subject  string
	body     string
	html     bool
	priority string
	attach   []string
}

// composeFlags cannot be combined with --eml.
var composeFlags = []string{"from", "to", "cc", "bcc", "reply-to", "subject", "body", "html", "priority", "attach"}

func newSendCommand(global *globalOptions) *cobra.Command {
	opts := &sendOptions{}

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one message",
		Long: `Send one message, either composed from flags or read from an RFC 5322
(.eml) file. On success the provider message id is printed; on failure the
errors are printed and the command exits non-zero.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSend(cmd, global, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.eml, "eml", "", "read the message from an .eml file")
	f.StringVar(&opts.from, "from", "", "sender address (default: the configured sender)")
	f.StringArrayVar(&opts.to, "to", nil, "recipient address list (repeatable)")
	f.StringArrayVar(&opts.cc, "cc", nil, "carbon copy address list (repeatable)")
	f.StringArrayVar(&opts.bcc, "bcc", nil, "blind carbon copy address list (repeatable)")
	f.StringArrayVar(&opts.replyTo, "reply-to", nil, "reply-to address list (repeatable)")
	f.StringVarP(&opts.subject, "subject", "s", "", "message subject")
	f.StringVarP(&opts.body, "body", "b", "", "message body")
	f.BoolVar(&opts.html, "html", false, "treat the body as HTML")
	f.StringVar(&opts.priority, "priority", "", "message priority: low, normal or high")
	f.StringArrayVarP(&opts.attach, "attach", "a", nil, "file to attach (repeatable)")

	for _, name := range composeFlags {
		cmd.MarkFlagsMutuallyExclusive("eml", name)
	}
	return cmd
}

func runSend(cmd *cobra.Command, global *globalOptions, opts *sendOptions) error {
	ctx := cmd.Context()

	var (
		msg *email.Email
		err error
	)
	if opts.eml != "" {
		msg, err = readEML(opts.eml)
	} else {
		var closeFiles func()
		msg, closeFiles, err = opts.compose()
		if closeFiles != nil {
			defer closeFiles()
		}
	}
	if err != nil {
		return err
	}

	p, err := newProvider(ctx, global.cfg, cmd.OutOrStdout(), global.logger)
	if err != nil {
		return err
	}

	res := p.Send(ctx, msg)
	if !res.Succeeded() {
		global.logger.ErrorContext(ctx, "send failed",
			"provider", p.Name(),
			"kind", res.Failure.Kind.String(),
			"error", res.Failure,
		)
		for _, e := range res.Errors() {
			fmt.Fprintln(cmd.ErrOrStderr(), e)
		}
		return errSendFailed
	}

	fmt.Fprintln(cmd.OutOrStdout(), res.MessageID)
	return nil
}

func readEML(path string) (*email.Email, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open message: %w", err)
	}
	defer f.Close()

	msg, err := parser.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return msg, nil
}

// compose builds a message from flags. The returned func closes the opened
// attachment files and is non-nil whenever a file was opened.
func (o *sendOptions) compose() (*email.Email, func(), error) {
	msg := &email.Email{
		Subject: o.subject,
		Body:    o.body,
		IsHTML:  o.html,
	}
	if o.priority != "" {
		msg.Priority = email.ParsePriority(o.priority)
	}

	if o.from != "" {
		from, err := email.ParseAddressList(o.from)
		if err != nil || len(from) != 1 {
			return nil, nil, fmt.Errorf("invalid --from %q: want exactly one address", o.from)
		}
		msg.From = from[0]
	}

	for _, field := range []struct {
		name string
		raw  []string
		dst  *[]*email.Address
	}{
		{"to", o.to, &msg.To},
		{"cc", o.cc, &msg.Cc},
		{"bcc", o.bcc, &msg.Bcc},
		{"reply-to", o.replyTo, &msg.ReplyTo},
	} {
		for _, raw := range field.raw {
			list, err := email.ParseAddressList(raw)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid --%s %q: %w", field.name, raw, err)
			}
			*field.dst = append(*field.dst, list...)
		}
	}
	if len(msg.To)+len(msg.Cc)+len(msg.Bcc) == 0 {
		return nil, nil, errors.New("at least one of --to, --cc or --bcc is required")
	}

	var files []*os.File
	closeFiles := func() {
		for _, f := range files {
			f.Close()
		}
	}
	for _, path := range o.attach {
		f, err := os.Open(path)
		if err != nil {
			closeFiles()
			return nil, nil, fmt.Errorf("failed to open attachment: %w", err)
		}
		files = append(files, f)
		msg.Attachments = append(msg.Attachments, email.Attachment{
			Filename:    filepath.Base(path),
			ContentType: contentTypeOf(path),
			Content:     f,
		})
	}
	return msg, closeFiles, nil
}

func contentTypeOf(path string) string {
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
