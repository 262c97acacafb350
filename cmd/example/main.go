package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"

	graw "github.com/grawkit/graw"
)

func main() {
	// Credentials come from praw_* environment variables or a praw.ini
	// section; see LoadConfig.
	config, err := graw.LoadConfig("")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if config.ClientID == "" {
		log.Fatal("praw_client_id must be set in the environment or praw.ini")
	}
	if config.UserAgent == "" {
		config.UserAgent = "example-script/1.0 by YourUsername"
	}

	// Route structured logs to stdout; adjust the level as needed.
	config.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	reddit, err := graw.NewReddit(config)
	if err != nil {
		log.Fatalf("Failed to create session: %v", err)
	}

	ctx := context.Background()

	if reddit.ReadOnly() {
		fmt.Println("Running read-only (no user credentials found)")
	} else {
		me, err := reddit.Me(ctx)
		if err != nil {
			log.Fatalf("Failed to get user info: %v", err)
		}
		fmt.Printf("Authenticated as user: %s\n", me.Data.Name)
	}

	// Iterate hot posts from r/golang.
	golang := reddit.Subreddit("golang")
	fmt.Println("\nHot posts from r/golang:")
	posts, err := golang.Hot(&graw.ListingOptions{Limit: 5}).Collect(ctx)
	if err != nil {
		log.Fatalf("Failed to get hot posts: %v", err)
	}
	var first *graw.Submission
	for i, item := range posts {
		post, ok := item.(*graw.Submission)
		if !ok {
			continue
		}
		if first == nil {
			first = post
		}
		fmt.Printf("%d. %s (score: %d, comments: %d)\n",
			i+1, post.Data.Title, post.Data.Score, post.Data.NumComments)
	}

	// Attributes not yet loaded are fetched on first access.
	subscribers, err := golang.Attr(ctx, "subscribers")
	if err != nil {
		log.Printf("Failed to get subreddit info: %v", err)
	} else {
		fmt.Printf("\nr/%s has %.0f subscribers\n", golang.DisplayName(), subscribers)
	}

	if first == nil {
		return
	}

	// Fetch the first post's comment forest and expand its placeholders.
	sub, err := reddit.SubmissionByID(ctx, first.ID())
	if err != nil {
		log.Fatalf("Failed to get comments: %v", err)
	}
	forest, err := sub.Comments(ctx)
	if err != nil {
		log.Fatalf("Failed to get comments: %v", err)
	}
	fmt.Printf("\nComments for post: %s\n", sub.Data.Title)
	for i, comment := range forest.Roots() {
		if i >= 3 {
			break
		}
		fmt.Printf("  - %s: %.100s\n", comment.Data.Author, comment.Data.Body)
	}

	if pending := forest.Pending(); len(pending) > 0 {
		fmt.Printf("  (%d collapsed threads, expanding...)\n", len(pending))
		skipped, err := forest.Resolve(ctx, &graw.ResolveOptions{Limit: 8, Threshold: 2})
		if err != nil {
			log.Printf("Failed to expand comments: %v", err)
		} else {
			fmt.Printf("  Forest now holds %d comments (%d threads left collapsed)\n",
				len(forest.Flatten()), len(skipped))
		}
	}
}
