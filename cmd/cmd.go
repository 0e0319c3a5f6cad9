package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ollama/mmproc/api"
	"github.com/ollama/mmproc/envconfig"
	"github.com/ollama/mmproc/server"
	"github.com/ollama/mmproc/version"
)

// backend is either a remote mmproc server or a model loaded in process.
type backend interface {
	Process(context.Context, *api.ProcessRequest) (*api.ProcessResponse, error)
	Tokenize(context.Context, *api.TokenizeRequest) (*api.TokenizeResponse, error)
	Detokenize(context.Context, *api.DetokenizeRequest) (*api.DetokenizeResponse, error)
	Show(context.Context) (*api.ShowResponse, error)
}

type local struct {
	s       *server.Server
	verbose bool
}

func (l local) Process(ctx context.Context, req *api.ProcessRequest) (*api.ProcessResponse, error) {
	return l.s.Process(ctx, *req)
}

func (l local) Tokenize(_ context.Context, req *api.TokenizeRequest) (*api.TokenizeResponse, error) {
	return l.s.Tokenize(*req)
}

func (l local) Detokenize(_ context.Context, req *api.DetokenizeRequest) (*api.DetokenizeResponse, error) {
	return l.s.Detokenize(*req)
}

func (l local) Show(context.Context) (*api.ShowResponse, error) {
	return l.s.Show(l.verbose), nil
}

// newBackend loads the model named by --model in process, otherwise it
// connects to the server set by MMPROC_HOST.
func newBackend(cmd *cobra.Command) (backend, error) {
	dir, err := cmd.Flags().GetString("model")
	if err != nil {
		return nil, err
	}

	if dir != "" {
		s, err := server.Load(dir)
		if err != nil {
			return nil, err
		}

		verbose, _ := cmd.Flags().GetBool("verbose")
		return local{s: s, verbose: verbose}, nil
	}

	client, err := api.ClientFromEnvironment()
	if err != nil {
		return nil, err
	}

	if format, _ := cmd.Flags().GetString("format"); format == "cbor" {
		client = client.WithCBOR()
	}

	return client, nil
}

func checkServerHeartbeat(cmd *cobra.Command, _ []string) error {
	if dir, _ := cmd.Flags().GetString("model"); dir != "" {
		return nil
	}

	base, err := envconfig.ServerURL()
	if err != nil {
		return err
	}

	client := api.NewClient(base, http.DefaultClient)
	if err := client.Heartbeat(cmd.Context()); err != nil {
		if !strings.Contains(err.Error(), " refused") {
			return err
		}

		if !version.IsLocalHost(base) {
			return fmt.Errorf("could not connect to mmproc server at %s", base)
		}

		return errors.New("could not connect to mmproc server, run 'mmproc serve' to start it or pass --model")
	}

	return nil
}

func outputFormat(cmd *cobra.Command) (string, error) {
	format, err := cmd.Flags().GetString("format")
	if err != nil {
		return "", err
	}

	switch format {
	case "":
		if f, ok := cmd.OutOrStdout().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			return "table", nil
		}

		return "json", nil
	case "json", "cbor", "table":
		return format, nil
	default:
		return "", fmt.Errorf("unknown format %q, expected json, cbor or table", format)
	}
}

func ProcessHandler(cmd *cobra.Command, args []string) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}

	req := api.ProcessRequest{Prompt: strings.Join(args, " ")}
	if req.Images, err = cmd.Flags().GetStringArray("image"); err != nil {
		return err
	}

	if req.DType, err = cmd.Flags().GetString("dtype"); err != nil {
		return err
	}

	if cmd.Flags().Changed("tokens") {
		if req.Tokens, err = cmd.Flags().GetInt32Slice("tokens"); err != nil {
			return err
		}

		if req.Tokens == nil {
			req.Tokens = []int32{}
		}
	}

	b, err := newBackend(cmd)
	if err != nil {
		return err
	}

	resp, err := b.Process(cmd.Context(), &req)
	if err != nil {
		return err
	}

	return writeProcessed(cmd.OutOrStdout(), format, resp)
}

func writeProcessed(w io.Writer, format string, resp *api.ProcessResponse) error {
	switch format {
	case "cbor":
		return cbor.NewEncoder(w).Encode(resp)
	case "table":
		hashes := make([]string, len(resp.DataHashes))
		for i, h := range resp.DataHashes {
			hashes[i] = fmt.Sprintf("%016x", h)
		}

		items := make([]string, len(resp.MMItems))
		for i, item := range resp.MMItems {
			items[i] = item.Modality + ":" + item.Feature
		}

		writeTable(w, []string{"FIELD", "VALUE"}, [][]string{
			{"input_ids", joinInts(resp.InputIDs)},
			{"attention_mask", joinInts(resp.AttentionMask)},
			{"pixel_values", fmt.Sprintf("%s (%d elements)", resp.PixelValues, resp.PixelValues.Elements())},
			{"data_hashes", strings.Join(hashes, " ")},
			{"mm_items", strings.Join(items, " ")},
		})
		return nil
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}
}

func TokenizeHandler(cmd *cobra.Command, args []string) error {
	addSpecial, err := cmd.Flags().GetBool("add-special")
	if err != nil {
		return err
	}

	b, err := newBackend(cmd)
	if err != nil {
		return err
	}

	resp, err := b.Tokenize(cmd.Context(), &api.TokenizeRequest{Text: strings.Join(args, " "), AddSpecial: addSpecial})
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), joinInts(resp.Tokens))
	return nil
}

func DetokenizeHandler(cmd *cobra.Command, args []string) error {
	var ids []int32
	for _, arg := range args {
		for field := range strings.FieldsFuncSeq(arg, func(r rune) bool { return r == ',' || r == ' ' }) {
			id, err := strconv.ParseInt(field, 10, 32)
			if err != nil {
				return fmt.Errorf("invalid token id %q", field)
			}

			ids = append(ids, int32(id))
		}
	}

	b, err := newBackend(cmd)
	if err != nil {
		return err
	}

	resp, err := b.Detokenize(cmd.Context(), &api.DetokenizeRequest{Tokens: ids})
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), resp.Text)
	return nil
}

func ShowHandler(cmd *cobra.Command, _ []string) error {
	b, err := newBackend(cmd)
	if err != nil {
		return err
	}

	resp, err := b.Show(cmd.Context())
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(resp.ModelInfo))
	for k := range resp.ModelInfo {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	data := [][]string{{"architecture", resp.Architecture}}
	for _, k := range keys {
		v := resp.ModelInfo[k]
		if v == nil {
			data = append(data, []string{k, "..."})
			continue
		}

		data = append(data, []string{k, fmt.Sprint(v)})
	}

	writeTable(cmd.OutOrStdout(), []string{"KEY", "VALUE"}, data)
	return nil
}

func EnvHandler(cmd *cobra.Command, _ []string) error {
	env := envconfig.AsMap()

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var data [][]string
	for _, k := range keys {
		data = append(data, []string{k, fmt.Sprint(env[k].Value), env[k].Description})
	}

	writeTable(cmd.OutOrStdout(), []string{"NAME", "VALUE", "DESCRIPTION"}, data)
	return nil
}

func writeTable(w io.Writer, header []string, data [][]string) {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}

func joinInts(ids []int32) string {
	s := make([]string, len(ids))
	for i, id := range ids {
		s[i] = strconv.Itoa(int(id))
	}

	return strings.Join(s, " ")
}

func RunServer(_ *cobra.Command, _ []string) error {
	addr, err := envconfig.ListenAddr()
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	return server.Serve(ln)
}

func appendEnvDocs(cmd *cobra.Command, names ...string) {
	env := envconfig.AsMap()

	var sb strings.Builder
	sb.WriteString("\nEnvironment Variables:\n")
	for _, name := range names {
		fmt.Fprintf(&sb, "      %-24s %s\n", env[name].Name, env[name].Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + sb.String())
}

func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:   "mmproc",
		Short: "Multimodal input processor",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
		},
		Run: func(cmd *cobra.Command, args []string) {
			if showVersion, _ := cmd.Flags().GetBool("version"); showVersion {
				fmt.Fprintf(cmd.OutOrStdout(), "mmproc version is %s\n", version.Version)
				return
			}

			cmd.Print(cmd.UsageString())
		},
	}

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")

	serveCmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start mmproc",
		Args:    cobra.ExactArgs(0),
		RunE:    RunServer,
	}

	appendEnvDocs(serveCmd,
		"MMPROC_DEBUG",
		"MMPROC_HASH_CONTENT",
		"MMPROC_HOST",
		"MMPROC_LOAD_TIMEOUT",
		"MMPROC_MAX_IMAGE_SIZE",
		"MMPROC_MAX_LOADS",
		"MMPROC_MODEL",
		"MMPROC_ORIGINS",
	)

	processCmd := &cobra.Command{
		Use:     "process [PROMPT]",
		Short:   "Process a prompt and images into model inputs",
		Args:    cobra.ArbitraryArgs,
		PreRunE: checkServerHeartbeat,
		RunE:    ProcessHandler,
	}

	processCmd.Flags().StringArrayP("image", "i", nil, "Image path, URL, data URI or base64 payload (repeatable)")
	processCmd.Flags().Int32Slice("tokens", nil, "Comma separated token ids to use instead of PROMPT")
	processCmd.Flags().String("format", "", "Output format: json, cbor or table")
	processCmd.Flags().String("dtype", "", "Pixel value encoding: f32, f16 or bf16")

	tokenizeCmd := &cobra.Command{
		Use:     "tokenize TEXT",
		Short:   "Encode text into token ids",
		Args:    cobra.MinimumNArgs(1),
		PreRunE: checkServerHeartbeat,
		RunE:    TokenizeHandler,
	}

	tokenizeCmd.Flags().Bool("add-special", false, "Add the model's special tokens")

	detokenizeCmd := &cobra.Command{
		Use:     "detokenize IDS",
		Short:   "Decode token ids into text",
		Args:    cobra.MinimumNArgs(1),
		PreRunE: checkServerHeartbeat,
		RunE:    DetokenizeHandler,
	}

	showCmd := &cobra.Command{
		Use:     "show",
		Short:   "Show information for the model",
		Args:    cobra.ExactArgs(0),
		PreRunE: checkServerHeartbeat,
		RunE:    ShowHandler,
	}

	showCmd.Flags().Bool("verbose", false, "Show long arrays such as the vocabulary")

	envCmd := &cobra.Command{
		Use:   "env",
		Short: "Show the environment configuration",
		Args:  cobra.ExactArgs(0),
		RunE:  EnvHandler,
	}

	for _, cmd := range []*cobra.Command{processCmd, tokenizeCmd, detokenizeCmd, showCmd} {
		cmd.Flags().StringP("model", "m", "", "Model directory to load in process instead of using the server")
		appendEnvDocs(cmd, "MMPROC_HOST")
	}

	rootCmd.AddCommand(
		serveCmd,
		processCmd,
		tokenizeCmd,
		detokenizeCmd,
		showCmd,
		envCmd,
	)

	return rootCmd
}
