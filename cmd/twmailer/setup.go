package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/twmailer/twmailer/auth"
	"github.com/twmailer/twmailer/config"
	"github.com/twmailer/twmailer/logger"
)

const (
	defaultConfigPath = "twmailer.toml"
	defaultEnvPath    = ".env"
)

// loadEnvFile exports the variables of path. A missing file is only an
// error when the path was given explicitly.
func loadEnvFile(path string, explicit bool) error {
	err := godotenv.Load(path)
	if err != nil && !explicit && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// loadConfig decodes path over cfg and applies environment overrides. Like
// the env file, a missing default config file leaves the defaults alone.
func loadConfig(path string, explicit bool, cfg *config.Config) error {
	err := config.LoadConfigFromFile(path, cfg)
	if err != nil && !(errors.Is(err, fs.ErrNotExist) && !explicit) {
		return err
	}
	if err != nil {
		logger.Info("No configuration file, using defaults", "path", path)
	}
	cfg.ApplyEnv()
	return nil
}

// applyArgs handles the positional "[port] [mail-dir]" arguments. The port
// keeps the host part of the configured address.
func applyArgs(cfg *config.Config, args []string) error {
	if len(args) > 2 {
		return fmt.Errorf("too many arguments: expected [port] [mail-dir], got %d", len(args))
	}
	if len(args) >= 1 {
		port, err := strconv.ParseUint(args[0], 10, 16)
		if err != nil || port == 0 {
			return fmt.Errorf("invalid port %q", args[0])
		}
		host, _, err := net.SplitHostPort(cfg.Server.Addr)
		if err != nil {
			host = ""
		}
		cfg.Server.Addr = net.JoinHostPort(host, strconv.FormatUint(port, 10))
	}
	if len(args) == 2 {
		if strings.TrimSpace(args[1]) == "" {
			return errors.New("mail directory must not be empty")
		}
		cfg.Storage.MailDir = args[1]
	}
	return nil
}

// printPasswordHash reads one line and writes a hash usable in the users
// file.
func printPasswordHash(r io.Reader, w io.Writer) error {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return errors.New("empty password")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, hash)
	return err
}
