package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/danmuck/portbroker/internal/broker"
)

// adminClient talks to the broker's admin surface over HTTP.
type adminClient struct {
	base  string
	token string
	http  *http.Client
}

func newAdminClient(addr, token string) *adminClient {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &adminClient{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (a *adminClient) services() ([]broker.ServiceInfo, error) {
	var out struct {
		Services []broker.ServiceInfo `json:"services"`
	}
	if err := a.call(http.MethodGet, "/services", &out); err != nil {
		return nil, err
	}
	return out.Services, nil
}

func (a *adminClient) spawn(stage string) (int, error) {
	var out struct {
		Status string `json:"status"`
		PID    int    `json:"pid"`
	}
	path := "/services/" + url.PathEscape(stage) + "/spawn"
	if err := a.call(http.MethodPost, path, &out); err != nil {
		return 0, err
	}
	return out.PID, nil
}

func (a *adminClient) call(method, path string, out any) error {
	req, err := http.NewRequest(method, a.base+path, nil)
	if err != nil {
		return err
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var fail struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &fail) == nil && fail.Error != "" {
			return fmt.Errorf("admin %s: %s", resp.Status, fail.Error)
		}
		return fmt.Errorf("admin %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

func adminFlags(fs *flag.FlagSet) (cfgPath, addr, token *string) {
	cfgPath = fs.String("config", defaultConfigPath, "client config path")
	addr = fs.String("addr", "", "admin address (default from config)")
	token = fs.String("token", "", "admin bearer token (default from config)")
	return cfgPath, addr, token
}

func loadAdmin(cfgPath, addr, token string) (*adminClient, error) {
	cfg, err := loadClientConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	if addr == "" {
		addr = cfg.AdminAddr
	}
	if token == "" {
		token = cfg.AdminToken
	}
	if addr == "" {
		return nil, errors.New("admin address required (-addr or config admin_addr)")
	}
	return newAdminClient(addr, token), nil
}

func runServices(args []string) error {
	fs := flag.NewFlagSet("services", flag.ExitOnError)
	cfgPath, addr, token := adminFlags(fs)
	fs.Parse(args)

	adm, err := loadAdmin(*cfgPath, *addr, *token)
	if err != nil {
		return err
	}
	infos, err := adm.services()
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Println("no services bound")
		return nil
	}
	fmt.Printf("%-40s %-8s %-6s %-10s %s\n", "NAME", "HANDLE", "PRE", "CHECKED-IN", "REGISTERED")
	for _, info := range infos {
		fmt.Printf("%-40s %-8d %-6t %-10t %s\n",
			info.Name, info.Handle, info.PreProvisioned, info.CheckedIn,
			info.RegisteredAt.Format(time.RFC3339))
	}
	return nil
}

func runSpawn(args []string) error {
	fs := flag.NewFlagSet("spawn", flag.ExitOnError)
	cfgPath, addr, token := adminFlags(fs)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("spawn: exactly one stage name expected")
	}
	stage := fs.Arg(0)

	adm, err := loadAdmin(*cfgPath, *addr, *token)
	if err != nil {
		return err
	}
	pid, err := adm.spawn(stage)
	if err != nil {
		return err
	}
	fmt.Printf("spawned %s (pid %d)\n", stage, pid)
	return nil
}
