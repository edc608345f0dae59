package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/contextd/contextd/internal/ctxlog"
)

// BuiltinDeps are the collaborators builtin tools need.
type BuiltinDeps struct {
	// WorkspaceDir roots all file tools; paths may not escape it.
	WorkspaceDir string

	// Store backs the ctx_tail tool.
	Store *ctxlog.Store

	// HTTPClient serves fetch_url; defaults to a 15s-timeout client.
	HTTPClient *http.Client
}

// RegisterBuiltins installs the builtin catalog into the registry.
func RegisterBuiltins(r *Registry, deps BuiltinDeps) error {
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}

	builtins := []Tool{
		echoTool(),
		getTimeTool(),
		readFileTool(deps.WorkspaceDir),
		listDirTool(deps.WorkspaceDir),
		fetchURLTool(deps.HTTPClient),
		writeFileTool(deps.WorkspaceDir),
		shellExecTool(deps.WorkspaceDir),
		ctxTailTool(deps.Store),
	}
	for _, t := range builtins {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func echoTool() Tool {
	return &FuncTool{
		Desc: Descriptor{
			Name:        "echo",
			Description: "Return the given text unchanged.",
			Params: map[string]*Param{
				"text": {Type: "string", Required: true, MaxLength: 65536, Description: "Text to echo back."},
			},
		},
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			return strArg(args, "text"), nil
		},
	}
}

func getTimeTool() Tool {
	return &FuncTool{
		Desc: Descriptor{
			Name:        "get_time",
			Description: "Return the current time in RFC 3339 format.",
			Params: map[string]*Param{
				"timezone": {Type: "string", MaxLength: 64, Description: "IANA timezone name; defaults to UTC."},
			},
		},
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			loc := time.UTC
			if tz := strArg(args, "timezone"); tz != "" {
				var err error
				loc, err = time.LoadLocation(tz)
				if err != nil {
					return "", fmt.Errorf("unknown timezone %q", tz)
				}
			}
			return time.Now().In(loc).Format(time.RFC3339), nil
		},
	}
}

// resolveWorkspacePath joins a relative path under the workspace root and
// rejects traversal outside it.
func resolveWorkspacePath(root, path string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("no workspace directory configured")
	}
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("absolute paths are not allowed")
	}
	full := filepath.Clean(filepath.Join(root, path))
	rootClean := filepath.Clean(root)
	if full != rootClean && !strings.HasPrefix(full, rootClean+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return full, nil
}

func readFileTool(root string) Tool {
	const maxRead = 1 << 20

	return &FuncTool{
		Desc: Descriptor{
			Name:        "read_file",
			Description: "Read a file from the workspace directory.",
			Params: map[string]*Param{
				"path": {Type: "string", Required: true, MaxLength: 4096, Description: "Workspace-relative path."},
			},
		},
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			full, err := resolveWorkspacePath(root, strArg(args, "path"))
			if err != nil {
				return "", err
			}
			f, err := os.Open(full)
			if err != nil {
				return "", err
			}
			defer f.Close()
			data, err := io.ReadAll(io.LimitReader(f, maxRead+1))
			if err != nil {
				return "", err
			}
			if len(data) > maxRead {
				return "", fmt.Errorf("file larger than %d bytes", maxRead)
			}
			return string(data), nil
		},
	}
}

func listDirTool(root string) Tool {
	return &FuncTool{
		Desc: Descriptor{
			Name:        "list_dir",
			Description: "List entries of a workspace directory.",
			Params: map[string]*Param{
				"path": {Type: "string", MaxLength: 4096, Description: "Workspace-relative path; defaults to the root."},
			},
		},
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			full, err := resolveWorkspacePath(root, strArg(args, "path"))
			if err != nil {
				return "", err
			}
			entries, err := os.ReadDir(full)
			if err != nil {
				return "", err
			}
			names := make([]string, 0, len(entries))
			for _, ent := range entries {
				name := ent.Name()
				if ent.IsDir() {
					name += "/"
				}
				names = append(names, name)
			}
			sort.Strings(names)
			return strings.Join(names, "\n"), nil
		},
	}
}

func fetchURLTool(client *http.Client) Tool {
	const maxFetch = 1 << 20

	return &FuncTool{
		Desc: Descriptor{
			Name:        "fetch_url",
			Description: "Fetch a URL with GET and return the body text.",
			Params: map[string]*Param{
				"url":       {Type: "string", Required: true, MaxLength: 4096, Description: "http or https URL."},
				"max_bytes": {Type: "integer", Min: floatPtr(1), Max: floatPtr(maxFetch), Description: "Response size cap."},
			},
		},
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			url := strArg(args, "url")
			if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
				return "", fmt.Errorf("unsupported URL scheme")
			}
			limit := intArg(args, "max_bytes", maxFetch)

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return "", err
			}
			resp, err := client.Do(req)
			if err != nil {
				return "", err
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 400 {
				return "", fmt.Errorf("fetch failed with status %d", resp.StatusCode)
			}
			data, err := io.ReadAll(io.LimitReader(resp.Body, int64(limit)))
			if err != nil {
				return "", err
			}
			return string(data), nil
		},
	}
}

func writeFileTool(root string) Tool {
	return &FuncTool{
		Desc: Descriptor{
			Name:        "write_file",
			Description: "Write content to a file in the workspace directory.",
			Gate:        GateFileWrite,
			Params: map[string]*Param{
				"path":    {Type: "string", Required: true, MaxLength: 4096, Description: "Workspace-relative path."},
				"content": {Type: "string", Required: true, MaxLength: 1 << 20, Description: "File content."},
			},
		},
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			full, err := resolveWorkspacePath(root, strArg(args, "path"))
			if err != nil {
				return "", err
			}
			if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
				return "", err
			}
			content := strArg(args, "content")
			if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
				return "", err
			}
			return fmt.Sprintf("wrote %d bytes to %s", len(content), strArg(args, "path")), nil
		},
	}
}

func shellExecTool(workdir string) Tool {
	return &FuncTool{
		Desc: Descriptor{
			Name:        "shell_exec",
			Description: "Run a shell command in the workspace directory.",
			Gate:        GateShell,
			Params: map[string]*Param{
				"command": {Type: "string", Required: true, MaxLength: 8192, Description: "Command line passed to sh -c."},
			},
		},
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			cmd := exec.CommandContext(ctx, "sh", "-c", strArg(args, "command"))
			if workdir != "" {
				cmd.Dir = workdir
			}
			out, err := cmd.CombinedOutput()
			if err != nil {
				return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
			}
			return string(out), nil
		},
	}
}

func ctxTailTool(store *ctxlog.Store) Tool {
	return &FuncTool{
		Desc: Descriptor{
			Name:        "ctx_tail",
			Description: "Read recent events from the context log.",
			Params: map[string]*Param{
				"n":       {Type: "integer", Min: floatPtr(1), Max: floatPtr(100), Description: "How many events; defaults to 10."},
				"conv_id": {Type: "string", MaxLength: 128, Description: "Filter by conversation."},
				"acts":    {Type: "array", MaxItems: 10, Items: &Param{Type: "string", MaxLength: 64}, Description: "Filter by act verbs."},
			},
		},
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			if store == nil {
				return "", fmt.Errorf("context log unavailable")
			}
			n := intArg(args, "n", 10)
			filter := ctxlog.TailFilter{ConvID: strArg(args, "conv_id")}
			if raw, ok := args["acts"].([]any); ok {
				for _, v := range raw {
					if s, ok := v.(string); ok {
						filter.Acts = append(filter.Acts, s)
					}
				}
			}
			events, err := store.Tail(n, filter)
			if err != nil {
				return "", err
			}
			var b strings.Builder
			for _, e := range events {
				fmt.Fprintf(&b, "%s %s %s", e.TS.Format(time.RFC3339), e.Act, e.Name)
				if e.Status != "" {
					fmt.Fprintf(&b, " status=%s", e.Status)
				}
				b.WriteString("\n")
			}
			return b.String(), nil
		},
	}
}

func floatPtr(v float64) *float64 { return &v }
