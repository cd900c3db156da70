// small interactive shell
// not for production use
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"os/user"
	"regexp"
	"strings"
	"syscall"

	"github.com/mvan/pgwire"
	"github.com/xo/tblfmt"

	"github.com/chzyer/readline"
)

var (
	echoInput    = false
	printVersion = false
	version      = "0.01"
	terminator   = ";"
	database     string
	inputFile    string
	loginTimeout = 60
	outputFile   string
	password     string
	server       string
	userName     string
	ssl          = "off"
	outFormat    = "table"
	re           *regexp.Regexp
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: pgsh -S host:port -U user [options]\n")
	flag.PrintDefaults()
	os.Exit(2)
}

func init() {
	flag.Usage = usage
	flag.BoolVar(&echoInput, "e", false, "print commands before execution")
	flag.BoolVar(&printVersion, "v", false, "print version and exit")
	flag.StringVar(&terminator, "c", terminator, "the terminator used to determine the end of a command. Can contain regex.")
	flag.StringVar(&database, "D", database, "database to use.")
	flag.StringVar(&inputFile, "i", "/pgshnone/", "file to read commands from")
	flag.IntVar(&loginTimeout, "l", loginTimeout, "login Timeout")
	flag.StringVar(&outputFile, "o", "/pgshnone/", "file to output to")
	flag.StringVar(&password, "P", "", "password")
	flag.StringVar(&server, "S", "localhost:5432", "host:port")
	flag.StringVar(&userName, "U", "", "user name")
	flag.StringVar(&ssl, "x", ssl, "Set to 'on' to enable ssl")
	flag.StringVar(&outFormat, "f", outFormat, "output format. Can be 'table' or 'json'")
	flag.Parse()

	re = regexp.MustCompile("(" + terminator + ")\n?$")

	if printVersion {
		fmt.Println("pgsh " + version)
		os.Exit(0)
	}

	// check for mandatory parameters
	if userName == "" || server == "" {
		usage()
	}
}

// build the connection string
func buildCnxStr() string {
	// build the url
	v := url.Values{}
	if ssl == "on" {
		v.Set("ssl", "on")
	}
	v.Set("loginTimeout", fmt.Sprintf("%d", loginTimeout))
	v.Set("applicationName", "pgsh")
	return "postgres://" + url.QueryEscape(userName) + ":" + url.QueryEscape(password) +
		"@" + server + "/" + url.QueryEscape(database) + "?" + v.Encode()
}

// find the string terminator in a line and add it to the current batch if needed
func processLine(line string, batch string) (batchOut string, found bool) {
	// continue till we get a the terminator
	if match := re.MatchString(line); !match {
		if batch == "" {
			batchOut = line
		} else {
			// add the line to the batch
			batchOut = batch + "\n" + line
		}
		return batchOut, false
	}
	return batch + re.ReplaceAllString(line, ""), true
}

type SQLBatchReader interface {
	ReadBatch() (batch string, err error)
	Close() error
}

type fileBatchReader struct {
	io.ReadCloser
	scanner *bufio.Reader
	w       *bufio.Writer
}

func newFileBatchReader(inputFile string, w *bufio.Writer) (r *fileBatchReader, err error) {
	r = &fileBatchReader{w: w}
	if inputFile == "-" {
		r.ReadCloser = os.Stdin
	} else if r.ReadCloser, err = os.Open(inputFile); err != nil {
		return nil, err
	}
	r.scanner = bufio.NewReader(r.ReadCloser)
	return r, nil
}

func (r *fileBatchReader) ReadBatch() (batch string, err error) {
	found := false
	lineNo := 1
	batch = ""
	for {
		line, err := r.scanner.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			return batch, err
		}
		batch, found = processLine(line, batch)

		if echoInput {
			fmt.Fprintf(r.w, "%d> %s", lineNo, line)
		}
		lineNo++

		// found the separator
		if found {
			return batch, nil
		}
	}
}

type readLineBatchReader struct {
	*readline.Instance
	server string
}

func (r *readLineBatchReader) ReadBatch() (batch string, err error) {
	found := false
	lineNo := 1
	for {
		prompt := fmt.Sprintf("%d $ ", lineNo)
		if r.server != "" {
			prompt = fmt.Sprintf("%s %d $ ", r.server, lineNo)
		}

		r.SetPrompt(prompt)
		line, err := r.Readline()

		if err == readline.ErrInterrupt {
			lineNo = 1
			batch = ""
			continue
		}
		if err != nil {
			return "", err
		}

		batch, found = processLine(line, batch)
		if found {
			r.SaveHistory(batch)
			return batch, nil
		}
		lineNo++
	}
}

// get an instance of readline with the proper settings
func newReadLineBatchReader(server string) (SQLBatchReader, error) {
	usr, _ := user.Current()
	rl, err := readline.NewEx(&readline.Config{
		Prompt:                 "$ ",
		HistoryFile:            usr.HomeDir + "/.pgsh_history.txt",
		DisableAutoSaveHistory: true,
	})
	if err != nil {
		return nil, fmt.Errorf("newReadLine: error while initiating readline object (%s)", err)
	}

	return &readLineBatchReader{Instance: rl, server: server}, err
}

// resultSet adapts pgwire rows to the tblfmt interface
type resultSet struct {
	rows *pgwire.Rows
	vals []interface{}
	err  error
}

func (r *resultSet) Next() bool {
	cols := r.rows.Columns()
	r.vals = make([]interface{}, len(cols))
	err := r.rows.Next(r.vals)
	if err == io.EOF {
		return false
	}
	if err != nil {
		r.err = err
		return false
	}
	return true
}

func (r *resultSet) Scan(dest ...interface{}) error {
	for i := range dest {
		if i >= len(r.vals) {
			break
		}
		if p, ok := dest[i].(*interface{}); ok {
			*p = r.vals[i]
		}
	}
	return nil
}

func (r *resultSet) Columns() ([]string, error) {
	return r.rows.Columns(), nil
}

func (r *resultSet) Close() error {
	return r.rows.Close()
}

func (r *resultSet) Err() error {
	return r.err
}

func (r *resultSet) NextResultSet() bool {
	return false
}

// jsonResult is the struct to json encode
type jsonResult struct {
	Notices  string          `json:"notices"`
	Results  json.RawMessage `json:"results"`
	Error    string          `json:"error"`
	Command  string          `json:"command"`
	Affected int64           `json:"affected"`
}

func main() {
	var batch string
	var r SQLBatchReader
	var w *bufio.Writer
	var mb strings.Builder // notice buffer

	// connect
	conn, err := pgwire.NewConn(buildCnxStr())
	if err != nil {
		fmt.Println("failed to connect: ", err)
		os.Exit(1)
	}
	defer conn.Close()

	// collect server notices
	conn.SetNoticeHandler(func(n pgwire.ServerError) {
		if outFormat == "json" {
			mb.WriteString(n.Message + "\n")
			return
		}
		fmt.Println(strings.TrimRight(n.Message, "\n"))
	})

	// open output
	switch outputFile {
	default:
		f, err := os.Create(outputFile)
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		defer f.Close()
		w = bufio.NewWriter(f)
		defer w.Flush()

	case "/pgshnone/":
		w = bufio.NewWriter(os.Stdout)
		defer w.Flush()
	}

	// open input
	switch inputFile {
	case "/pgshnone/":
		// get readline instance
		r, err = newReadLineBatchReader(server)

	default:
		r, err = newFileBatchReader(inputFile, w)
	}

	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	defer r.Close()

input:
	for {
		batch, err = r.ReadBatch()
		if err != nil {
			if err != io.EOF {
				fmt.Println(err)
			}
			break
		}
		if strings.TrimSpace(batch) == "" {
			continue
		}

		// handle cancelation
		ctx := context.Background()

		c := make(chan os.Signal, 1)
		done := make(chan struct{})
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		go func() {
			select {
			case <-c:
				// fire an out-of-band cancel request
				conn.Cancel()
				<-done
			case <-done:
			}
		}()

		// send query
		rows, err := conn.Query(ctx, batch)
		select {
		case <-done:
		case done <- struct{}{}:
		}
		signal.Stop(c)

		switch outFormat {
		case "json":
			res := &jsonResult{Notices: mb.String()}
			if err != nil {
				res.Error = err.Error()
			} else {
				rb := strings.Builder{}
				tblfmt.EncodeJSON(&rb, &resultSet{rows: rows})
				results := rb.String()
				if results == "" {
					results = "{}"
				}
				res.Results = json.RawMessage(results)
				res.Command = rows.Result().CommandTag()
				res.Affected, _ = rows.Result().RowsAffected()
			}
			out, _ := json.Marshal(res)
			fmt.Fprintln(w, string(out))
			mb = strings.Builder{}
			continue input
		default:
			if err != nil {
				fmt.Println(err)
				continue input
			}
			if len(rows.Columns()) == 0 {
				rows.Close()
				fmt.Fprintln(w, rows.Result().CommandTag())
				continue input
			}
			tblfmt.EncodeAll(w, &resultSet{rows: rows},
				map[string]string{"format": "aligned", "border": "2",
					"unicode_border_linestyle": "single", "linestyle": "unicode"})
		}
		rows.Close()
	}
}
