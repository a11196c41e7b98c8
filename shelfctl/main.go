package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/stackmark/shelf/shelf"
)

const DefaultApiUrl = "http://localhost:7301"
const DefaultSubscribeUrl = "ws://localhost:7301/subscribe"

const DefaultSigningKey = "shelf-local-dev"

const ShelfCtlVersion = "0.0.1"

const opTimeout = 30 * time.Second

func init() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func main() {
	usage := fmt.Sprintf(
		`Shelf organizer.

The default urls are:
    api_url: %s
    subscribe_url: %s

Usage:
    shelfctl serve [--port=<port>] [--storage=<dsn>] [--redis=<redis_url>]
        [--signing_key=<signing_key>]
    shelfctl mint --user_name=<user_name> [--scope=<scope>]
        [--signing_key=<signing_key>] [--ttl_hours=<ttl_hours>]
    shelfctl tree --scope=<scope> [--api_url=<api_url>] [--token=<token>]
    shelfctl watch --scope=<scope> [--api_url=<api_url>]
        [--subscribe_url=<subscribe_url>] [--token=<token>]
    shelfctl add (group|leaf) --scope=<scope> [--title=<title>] [--url=<url>]
        [--parent=<parent_id>] [--api_url=<api_url>]
        [--subscribe_url=<subscribe_url>] [--token=<token>]
    shelfctl move --scope=<scope> --item=<item_id> [--parent=<parent_id>]
        [--position=<position>] [--api_url=<api_url>]
        [--subscribe_url=<subscribe_url>] [--token=<token>]
    shelfctl rm --scope=<scope> --item=<item_id> [--api_url=<api_url>]
        [--subscribe_url=<subscribe_url>] [--token=<token>]
    shelfctl online --scope=<scope> [--api_url=<api_url>]
        [--subscribe_url=<subscribe_url>] [--token=<token>]

Options:
    -h --help                      Show this screen.
    --version                      Show version.
    -p --port=<port>               Listen port [default: 7301].
    --storage=<dsn>                Row backend [default: memory].
    --redis=<redis_url>            Keep presence in redis at this url.
    --signing_key=<signing_key>    HS256 key for session tokens.
    --scope=<scope>                Scope (shared workspace) id.
    --user_name=<user_name>        Display name for the minted identity.
    --ttl_hours=<ttl_hours>        Minted token lifetime [default: 24].
    --token=<token>                Session token. Prompted when omitted.
    --title=<title>                Item title.
    --url=<url>                    Leaf url.
    --parent=<parent_id>           Destination group id. Omit for the root.
    --position=<position>          Slot among the destination siblings. Omit to append.
    --item=<item_id>               Item id.
    --api_url=<api_url>
    --subscribe_url=<subscribe_url>`,
		DefaultApiUrl,
		DefaultSubscribeUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], ShelfCtlVersion)
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if mint_, _ := opts.Bool("mint"); mint_ {
		mint(opts)
	} else if tree_, _ := opts.Bool("tree"); tree_ {
		tree(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if add_, _ := opts.Bool("add"); add_ {
		add(opts)
	} else if move_, _ := opts.Bool("move"); move_ {
		move(opts)
	} else if rm_, _ := opts.Bool("rm"); rm_ {
		rm(opts)
	} else if online_, _ := opts.Bool("online"); online_ {
		online(opts)
	}
}

func serve(opts docopt.Opts) {
	port, _ := opts.Int("--port")
	dsn := optString(opts, "--storage", "memory")

	ctx, cancel := signalContext()
	defer cancel()

	storage, err := shelf.OpenStorage(ctx, dsn, "")
	if err != nil {
		panic(err)
	}
	defer storage.Close()

	if redisUrlAny := opts["--redis"]; redisUrlAny != nil {
		storage, err = shelf.NewRedisPresenceStorage(ctx, storage, redisUrlAny.(string))
		if err != nil {
			panic(err)
		}
	}

	eventStorage, ok := storage.(shelf.EventStorage)
	if !ok {
		eventStorage = shelf.NewEventedStorage(storage)
	}

	var signingKey []byte
	if signingKeyAny := opts["--signing_key"]; signingKeyAny != nil {
		signingKey = []byte(signingKeyAny.(string))
	}

	server := shelf.NewLocalServerWithDefaults(ctx, eventStorage, signingKey)

	apiServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: server.Handler(),
	}

	fmt.Printf("shelf api %s on *:%d (storage %s)\n", ShelfCtlVersion, port, dsn)

	go func() {
		defer cancel()
		err := apiServer.ListenAndServe()
		if err != nil {
			fmt.Printf("api error: %s\n", err)
		}
	}()

	select {
	case <-ctx.Done():
	}

	apiServer.Shutdown(context.Background())

	os.Exit(0)
}

func mint(opts docopt.Opts) {
	userName := opts["--user_name"].(string)
	signingKey := []byte(optString(opts, "--signing_key", DefaultSigningKey))

	var scopeId shelf.Id
	if scopeAny := opts["--scope"]; scopeAny != nil {
		scopeId = shelf.RequireId(scopeAny.(string))
	}

	ttlHours, _ := opts.Int("--ttl_hours")

	userId := shelf.NewId()
	token, err := shelf.MintSessionToken(
		signingKey,
		userId,
		userName,
		scopeId,
		time.Now().Add(time.Duration(ttlHours)*time.Hour),
	)
	if err != nil {
		panic(err)
	}

	fmt.Printf("user_id: %s\n", userId)
	if !scopeId.IsZero() {
		fmt.Printf("scope_id: %s\n", scopeId)
	}
	fmt.Printf("token: %s\n", token)
}

func tree(opts docopt.Opts) {
	scopeId := requireScope(opts)

	ctx, cancel := signalContext()
	defer cancel()

	storage := shelf.NewHttpStorage(ctx, apiUrl(opts), sessionToken(opts))
	defer storage.Close()

	queryCtx, queryCancel := context.WithTimeout(ctx, opTimeout)
	defer queryCancel()

	items, err := storage.QueryScope(queryCtx, scopeId)
	if err != nil {
		panic(err)
	}

	printTree(shelf.Project(scopeId, items))
}

func watch(opts docopt.Opts) {
	scopeId := requireScope(opts)

	ctx, cancel := signalContext()
	defer cancel()

	client := dialClient(ctx, opts)
	defer client.Close()

	unsubState := client.Sessions().AddStateCallback(func(state shelf.SessionState) {
		fmt.Printf("session %s\n", state)
	})
	defer unsubState()

	unsubStale := client.Sessions().AddStaleCallback(func(stale bool) {
		if stale {
			fmt.Printf("view may be stale. reconnecting.\n")
		}
	})
	defer unsubStale()

	if err := client.Subscribe(ctx, scopeId); err != nil {
		panic(err)
	}
	client.Touch()

	printTree(client.GetTree(scopeId))
	unsub := client.OnStoreChanged(scopeId, func() {
		fmt.Printf("\n")
		printTree(client.GetTree(scopeId))
	})
	defer unsub()

	select {
	case <-ctx.Done():
	}

	client.Unsubscribe()

	os.Exit(0)
}

func add(opts docopt.Opts) {
	scopeId := requireScope(opts)
	parentId := optParent(opts)
	title := optString(opts, "--title", "")
	url := optString(opts, "--url", "")

	ctx, cancel := signalContext()
	defer cancel()

	client := dialClient(ctx, opts)
	defer client.Close()

	if err := client.Subscribe(ctx, scopeId); err != nil {
		panic(err)
	}

	opCtx, opCancel := context.WithTimeout(ctx, opTimeout)
	defer opCancel()

	var item *shelf.Item
	var err error
	if group_, _ := opts.Bool("group"); group_ {
		item, err = client.CreateGroup(opCtx, title, parentId)
	} else {
		item, err = client.CreateLeaf(opCtx, url, title, parentId)
	}
	if err != nil {
		panic(err)
	}

	fmt.Printf("created %s: %s\n", item.Kind, item.Id)
}

func move(opts docopt.Opts) {
	scopeId := requireScope(opts)
	itemId := shelf.RequireId(opts["--item"].(string))
	parentId := optParent(opts)

	position := shelf.PositionAppend
	if positionAny := opts["--position"]; positionAny != nil {
		p, err := opts.Int("--position")
		if err != nil {
			panic(err)
		}
		position = p
	}

	ctx, cancel := signalContext()
	defer cancel()

	client := dialClient(ctx, opts)
	defer client.Close()

	if err := client.Subscribe(ctx, scopeId); err != nil {
		panic(err)
	}

	opCtx, opCancel := context.WithTimeout(ctx, opTimeout)
	defer opCancel()

	if err := client.MoveItem(opCtx, itemId, parentId, position); err != nil {
		panic(err)
	}

	fmt.Printf("moved %s\n", itemId)
	printTree(client.GetTree(scopeId))
}

func rm(opts docopt.Opts) {
	scopeId := requireScope(opts)
	itemId := shelf.RequireId(opts["--item"].(string))

	ctx, cancel := signalContext()
	defer cancel()

	client := dialClient(ctx, opts)
	defer client.Close()

	if err := client.Subscribe(ctx, scopeId); err != nil {
		panic(err)
	}

	opCtx, opCancel := context.WithTimeout(ctx, opTimeout)
	defer opCancel()

	if err := client.DeleteItem(opCtx, itemId); err != nil {
		panic(err)
	}

	fmt.Printf("removed %s\n", itemId)
}

func online(opts docopt.Opts) {
	scopeId := requireScope(opts)

	ctx, cancel := signalContext()
	defer cancel()

	client := dialClient(ctx, opts)
	defer client.Close()

	if err := client.Subscribe(ctx, scopeId); err != nil {
		panic(err)
	}
	client.Touch()

	opCtx, opCancel := context.WithTimeout(ctx, opTimeout)
	defer opCancel()

	records, err := client.OnlineUsers(opCtx)
	if err != nil {
		panic(err)
	}

	if len(records) == 0 {
		fmt.Printf("nobody here\n")
		return
	}
	for _, record := range records {
		fmt.Printf("%s last seen %s\n", record.UserId, record.LastSeenAt.Format(time.RFC3339))
	}
}

func dialClient(ctx context.Context, opts docopt.Opts) *shelf.Client {
	token := sessionToken(opts)
	storage := shelf.NewHttpStorage(ctx, apiUrl(opts), token)
	tokenSource := func(ctx context.Context, scopeId shelf.Id) (string, error) {
		return token, nil
	}
	return shelf.NewClientWithDefaults(ctx, storage, subscribeUrl(opts), tokenSource)
}

func printTree(tree *shelf.Tree) {
	count := 0
	tree.Walk(func(node *shelf.Node, depth int) {
		count += 1
		marker := "-"
		if node.Item.IsGroup() {
			marker = "+"
		}
		label := node.Item.Title
		if label == "" {
			label = node.Item.Url
		}
		suffix := ""
		if node.Orphaned {
			suffix = " (orphaned)"
		}
		fmt.Printf("%s%s %s [%s]%s\n", strings.Repeat("  ", depth), marker, label, node.Item.Id, suffix)
	})
	if count == 0 {
		fmt.Printf("(empty scope)\n")
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
}

func requireScope(opts docopt.Opts) shelf.Id {
	return shelf.RequireId(opts["--scope"].(string))
}

func optParent(opts docopt.Opts) *shelf.Id {
	if parentAny := opts["--parent"]; parentAny != nil {
		parentId := shelf.RequireId(parentAny.(string))
		return &parentId
	}
	return nil
}

func optString(opts docopt.Opts, key string, defaultValue string) string {
	if valueAny := opts[key]; valueAny != nil {
		return valueAny.(string)
	}
	return defaultValue
}

func apiUrl(opts docopt.Opts) string {
	return optString(opts, "--api_url", DefaultApiUrl)
}

func subscribeUrl(opts docopt.Opts) string {
	return optString(opts, "--subscribe_url", DefaultSubscribeUrl)
}

func sessionToken(opts docopt.Opts) string {
	if tokenAny := opts["--token"]; tokenAny != nil {
		return tokenAny.(string)
	}
	if tokenEnv := os.Getenv("SHELF_TOKEN"); tokenEnv != "" {
		return tokenEnv
	}
	fmt.Print("Enter session token: ")
	tokenBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		panic(err)
	}
	fmt.Printf("\n")
	return string(tokenBytes)
}
